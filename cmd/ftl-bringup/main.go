// Command ftl-bringup runs the destructive bad-block bring-up scan
// against a freshly configured array and stores the resulting ABM
// snapshot. It writes no mapping-table snapshot, so ftladmind cannot load
// its output on its own: ftladmind's load path needs an ABM file and a
// mapping file written by the same Store call.
package main

import (
	"flag"
	"log"

	"github.com/google/uuid"

	"github.com/flashftl/pageftl/abm"
	"github.com/flashftl/pageftl/badblock"
	"github.com/flashftl/pageftl/config"
	"github.com/flashftl/pageftl/llm"
	"github.com/flashftl/pageftl/mapping"
	"github.com/flashftl/pageftl/snapshot"
)

func main() {
	configPath := flag.String("config", "ftl.yaml", "path to the FTL config file")
	flag.Parse()

	c, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("ftl-bringup: load config: %v", err)
	}

	g, err := c.Geometry.Build()
	if err != nil {
		log.Fatalf("ftl-bringup: build geometry: %v", err)
	}

	a := abm.New(g)
	m := mapping.New(g, a)
	dev := llm.NewRAMDisk(g)

	log.Printf("ftl-bringup: [WARNING] scanning %d blocks across %d punits; all data will be erased", g.NrBlocksTotal(), g.NrPunits())

	persist := func(snap *abm.ABM) error {
		return snapshot.StoreABM(c.ABMSnapshotPath, snap, uuid.New())
	}

	_, res, err := badblock.Scan(g, a, m, dev, persist)
	if err != nil {
		log.Fatalf("ftl-bringup: scan failed: %v", err)
	}

	log.Printf("ftl-bringup: done — erased %d blocks, %d came up bad, abm stored at %s", res.BlocksErased, res.BlocksBad, c.ABMSnapshotPath)
}
