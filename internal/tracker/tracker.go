// Package tracker is the boundary to the tracker cluster. The import core
// asks it once per batch which group and store path a batch targets; it
// never implements tracker coordination itself.
package tracker

import (
	"context"
	"fmt"

	"github.com/happyfish100/fastdfs-sub009/internal/fileid"
)

// StoreTarget is a tracker-assigned import destination.
type StoreTarget struct {
	GroupName      string
	StorePathIndex int
}

// Client supplies the store target for a batch. Queried once per batch,
// not per file.
type Client interface {
	QueryStore(ctx context.Context) (StoreTarget, error)
}

// Static is a Client that always returns a configured target. Used for
// single-node operation where the group assignment is fixed.
type Static struct {
	target StoreTarget
}

// NewStatic validates and wraps a fixed store target.
func NewStatic(group string, storePathIndex int) (*Static, error) {
	if err := fileid.ValidateGroupName(group); err != nil {
		return nil, fmt.Errorf("invalid target group: %w", err)
	}
	if storePathIndex < 0 || storePathIndex >= fileid.MaxStorePaths {
		return nil, fmt.Errorf("invalid store path index: %d", storePathIndex)
	}
	return &Static{target: StoreTarget{GroupName: group, StorePathIndex: storePathIndex}}, nil
}

func (s *Static) QueryStore(ctx context.Context) (StoreTarget, error) {
	return s.target, nil
}
