package rollback

import (
	"context"

	"tidedb/dberr"
)

// IDChecker detects whether a sync source has rolled back between two
// observations of its rollback id. Callers Reset before a copying phase
// and CheckForRollback after it.
type IDChecker struct {
	fetch  func(ctx context.Context) (int, error)
	base   int
	primed bool
}

func NewIDChecker(fetch func(ctx context.Context) (int, error)) *IDChecker {
	return &IDChecker{fetch: fetch}
}

// Reset caches the source's current rollback id as the comparison base.
func (c *IDChecker) Reset(ctx context.Context) error {
	id, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.base = id
	c.primed = true
	return nil
}

// CheckForRollback re-reads the source's rollback id and reports whether
// it moved since Reset.
func (c *IDChecker) CheckForRollback(ctx context.Context) (bool, error) {
	if !c.primed {
		return false, dberr.New(dberr.CodeInvalidFormat, "rollback id checker used before reset")
	}
	id, err := c.fetch(ctx)
	if err != nil {
		return false, err
	}
	return id != c.base, nil
}
