// Package llm models the low-level I/O manager: the asynchronous
// collaborator the FTL core submits physical read/write/erase requests to
// and waits on, and through whose out-of-band area GC recovers a live
// page's owning LPA without consulting the mapping table.
package llm

import (
	"fmt"

	"github.com/flashftl/pageftl/geometry"
)

// ReqType identifies the kind of physical-layer request being submitted.
type ReqType uint8

const (
	HostRead ReqType = iota
	HostWrite
	GCRead
	GCWrite
	GCErase
	Trim
)

func (rt ReqType) String() string {
	switch rt {
	case HostRead:
		return "HOST_READ"
	case HostWrite:
		return "HOST_WRITE"
	case GCRead:
		return "GC_READ"
	case GCWrite:
		return "GC_WRITE"
	case GCErase:
		return "GC_ERASE"
	case Trim:
		return "TRIM"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(rt))
	}
}

// Request describes one physical-layer operation. Data and OOB are
// caller-owned buffers sized to the geometry's page main/OOB size; LLM
// implementations read from Data on writes and populate Data on reads,
// and likewise for OOB, which carries the LPA tag on writes so a later GC
// read can recover ownership without the mapping table (mirrors
// dm_dummy's flat oob_data array indexed by physical offset).
type Request struct {
	Type    ReqType
	LPA     geometry.LPA // meaningful for HostWrite/GCWrite; ignored otherwise
	PPA     geometry.PPA
	Data    []byte
	OOB     []byte
	Ret     error // filled in by the LLM before EndReq fires
	Cookie  any   // opaque, round-tripped back to the caller unchanged
}

// EndReqFunc is invoked by an LLM implementation when a submitted request
// completes, carrying the now-filled-in Request (including Ret).
type EndReqFunc func(*Request)

// LLM is the asynchronous low-level I/O interface the FTL core submits
// requests through. MakeReq must not block the caller past enqueueing the
// request; completion is always signaled through end.
type LLM interface {
	// MakeReq submits req for asynchronous processing. end is called
	// exactly once when req completes, possibly from a different
	// goroutine than the caller of MakeReq.
	MakeReq(req *Request, end EndReqFunc) error

	// Flush blocks until every previously submitted request has called
	// its end callback.
	Flush() error
}
