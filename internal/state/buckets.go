package state

import (
	"context"
	"errors"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/traffic"
)

// Standard bucket names
const (
	BucketAccess   = "access"
	BucketTraffic  = "traffic"
	BucketSettings = "settings"
)

const (
	keyModel    = "model"
	keySample   = "sample"
	keyLogLimit = "audit_max_size_mb"
)

// LoadModel returns the persisted access model. ok is false when nothing
// has been saved yet.
func (s *Store) LoadModel(ctx context.Context) (snap access.Snapshot, ok bool, err error) {
	err = s.GetJSON(ctx, BucketAccess, keyModel, &snap)
	if errors.Is(err, ErrNotFound) {
		return access.Snapshot{}, false, nil
	}
	if err != nil {
		return access.Snapshot{}, false, err
	}
	return snap, true, nil
}

// SaveModel persists the access model.
func (s *Store) SaveModel(ctx context.Context, snap access.Snapshot) error {
	return s.SetJSON(ctx, BucketAccess, keyModel, snap)
}

// LoadTraffic returns the persisted traffic state, or a zero State when
// none was saved.
func (s *Store) LoadTraffic(ctx context.Context) (traffic.State, error) {
	var st traffic.State
	err := s.GetJSON(ctx, BucketTraffic, keySample, &st)
	if errors.Is(err, ErrNotFound) {
		return traffic.State{}, nil
	}
	return st, err
}

// SaveTraffic persists the traffic state.
func (s *Store) SaveTraffic(ctx context.Context, st traffic.State) error {
	return s.SetJSON(ctx, BucketTraffic, keySample, st)
}

// LoadLogLimit returns the audit log size limit set at runtime. ok is false
// when none was set.
func (s *Store) LoadLogLimit(ctx context.Context) (mb int, ok bool, err error) {
	err = s.GetJSON(ctx, BucketSettings, keyLogLimit, &mb)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return mb, true, nil
}

// SaveLogLimit persists the audit log size limit.
func (s *Store) SaveLogLimit(ctx context.Context, mb int) error {
	return s.SetJSON(ctx, BucketSettings, keyLogLimit, mb)
}
