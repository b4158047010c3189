package engine

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName is the gRPC service an accelerated engine exposes.
	ServiceName  = "orchestrator.engine.v1.Engine"
	searchMethod = "/" + ServiceName + "/Search"
)

// searchRequest and searchResponse travel CBOR encoded inside a
// wrapperspb.BytesValue.
type searchRequest struct {
	ChallengeID string `cbor:"1,keyasint"`
	Descriptor  []byte `cbor:"2,keyasint"`
	RomKey      string `cbor:"3,keyasint,omitempty"`
	RangeStart  uint64 `cbor:"4,keyasint"`
	RangeEnd    uint64 `cbor:"5,keyasint"`
	Target      uint32 `cbor:"6,keyasint"`
}

type searchResponse struct {
	Found    bool   `cbor:"1,keyasint"`
	Nonce    uint64 `cbor:"2,keyasint"`
	Hash     []byte `cbor:"3,keyasint,omitempty"`
	Hashes   uint64 `cbor:"4,keyasint"`
	Duration int64  `cbor:"5,keyasint"`
}

func encodeRequest(u WorkUnit) (*wrapperspb.BytesValue, error) {
	data, err := cbor.Marshal(searchRequest{
		ChallengeID: u.ChallengeID,
		Descriptor:  u.Descriptor,
		RomKey:      u.RomKey,
		RangeStart:  u.RangeStart,
		RangeEnd:    u.RangeEnd,
		Target:      u.Target,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}
	return wrapperspb.Bytes(data), nil
}

func decodeRequest(in *wrapperspb.BytesValue) (WorkUnit, error) {
	var req searchRequest
	if err := cbor.Unmarshal(in.GetValue(), &req); err != nil {
		return WorkUnit{}, fmt.Errorf("decoding search request: %w", err)
	}
	return WorkUnit{
		ChallengeID: req.ChallengeID,
		Descriptor:  req.Descriptor,
		RomKey:      req.RomKey,
		RangeStart:  req.RangeStart,
		RangeEnd:    req.RangeEnd,
		Target:      req.Target,
	}, nil
}

func encodeResponse(r *Result) (*wrapperspb.BytesValue, error) {
	data, err := cbor.Marshal(searchResponse{
		Found:    r.Found,
		Nonce:    r.Nonce,
		Hash:     r.Hash,
		Hashes:   r.Hashes,
		Duration: int64(r.Duration),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search response: %w", err)
	}
	return wrapperspb.Bytes(data), nil
}

func decodeResponse(out *wrapperspb.BytesValue) (*Result, error) {
	var resp searchResponse
	if err := cbor.Unmarshal(out.GetValue(), &resp); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}
	return &Result{
		Found:    resp.Found,
		Nonce:    resp.Nonce,
		Hash:     resp.Hash,
		Hashes:   resp.Hashes,
		Duration: time.Duration(resp.Duration),
	}, nil
}
