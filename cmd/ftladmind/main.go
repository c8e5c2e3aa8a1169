// Command ftladmind creates (or loads) an FTL instance from a YAML config
// and serves its admin surface: a hand-rolled JSON-codec gRPC service plus
// a parallel plain-HTTP status endpoint, in the style of tinySQL's dual
// gRPC/HTTP server command.
package main

import (
	"flag"
	"log"
	"net"
	"net/http"

	"google.golang.org/grpc"

	"github.com/flashftl/pageftl/config"
	"github.com/flashftl/pageftl/ftl"
	"github.com/flashftl/pageftl/ftladmin"
	"github.com/flashftl/pageftl/llm"
)

func main() {
	configPath := flag.String("config", "ftl.yaml", "path to the FTL config file")
	mappingPath := flag.String("mapping-snapshot", "mapping.dat", "path to the mapping table snapshot file")
	grpcAddr := flag.String("grpc-addr", ":9090", "address to serve the admin gRPC service on")
	httpAddr := flag.String("http-addr", ":9091", "address to serve the admin HTTP status endpoints on")
	fresh := flag.Bool("fresh", false, "create a brand-new array instead of loading a snapshot")
	flag.Parse()

	c, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("ftladmind: load config: %v", err)
	}

	g, err := c.Geometry.Build()
	if err != nil {
		log.Fatalf("ftladmind: build geometry: %v", err)
	}
	dev := llm.NewRAMDisk(g)

	var f *ftl.Facade
	if *fresh {
		f, err = ftl.FromConfig(c, dev)
		if err != nil {
			log.Fatalf("ftladmind: create facade: %v", err)
		}
		log.Printf("ftladmind: created fresh array (%d blocks, %d punits)", g.NrBlocksTotal(), g.NrPunits())
	} else {
		f, err = ftl.Load(g, dev, c.ABMSnapshotPath, *mappingPath)
		if err != nil {
			log.Fatalf("ftladmind: load facade: %v", err)
		}
		log.Printf("ftladmind: loaded array from %s / %s", c.ABMSnapshotPath, *mappingPath)
	}

	admin := ftladmin.NewServer(f)

	gs := grpc.NewServer()
	ftladmin.RegisterFTLAdminServer(gs, admin)

	lis, err := net.Listen("tcp", *grpcAddr)
	if err != nil {
		log.Fatalf("ftladmind: listen %s: %v", *grpcAddr, err)
	}
	go func() {
		log.Printf("ftladmind: serving gRPC admin surface on %s", *grpcAddr)
		if err := gs.Serve(lis); err != nil {
			log.Fatalf("ftladmind: grpc serve: %v", err)
		}
	}()

	log.Printf("ftladmind: serving HTTP admin surface on %s", *httpAddr)
	if err := http.ListenAndServe(*httpAddr, admin.HTTPHandler()); err != nil {
		log.Fatalf("ftladmind: http serve: %v", err)
	}
}
