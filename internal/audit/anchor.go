package audit

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meristem/core/internal/store"
	"github.com/meristem/core/internal/timers"
)

// AnchorJob periodically snapshots every partition's tail into a
// single chained GlobalAnchor: an auditor can verify the whole log
// by walking anchors without replaying every AuditLog row.
type AnchorJob struct {
	store          store.Store
	partitionCount int
}

func NewAnchorJob(st store.Store, partitionCount int) *AnchorJob {
	return &AnchorJob{store: st, partitionCount: partitionCount}
}

// Register schedules the anchor snapshot on group under interval,
// e.g. group.Schedule wired to "@every 5m".
func (j *AnchorJob) Register(group *timers.Group, interval time.Duration) error {
	return group.ScheduleEvery("audit-anchor", interval.String(), func() {
		if err := j.Run(context.Background()); err != nil {
			log.Error().Err(err).Msg("audit anchor snapshot failed")
		}
	})
}

// Run takes one anchor snapshot: list every partition tail, sort by
// partition id for determinism, and chain the result to the previous
// anchor's hash.
func (j *AnchorJob) Run(ctx context.Context) error {
	tails, err := j.store.ListPartitionTails(ctx, j.partitionCount)
	if err != nil {
		return err
	}
	sort.Slice(tails, func(a, b int) bool { return tails[a].PartitionID < tails[b].PartitionID })

	prev, err := j.store.LatestAnchor(ctx)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	prevHash := prev.AnchorHash // empty for the very first anchor

	heads := make([]map[string]any, 0, len(tails))
	for _, t := range tails {
		heads = append(heads, map[string]any{
			"partition_id":  t.PartitionID,
			"last_sequence": t.LastSequence,
			"last_hash":     t.LastHash,
		})
	}

	now := time.Now().UTC()
	anchorInput := map[string]any{
		"ts":                  now.UnixMilli(),
		"partition_heads":     heads,
		"previous_anchor_hash": prevHash,
	}
	anchor := store.GlobalAnchor{
		AnchorID:           uuid.NewString(),
		TS:                 now,
		PartitionHeads:     tails,
		PreviousAnchorHash: prevHash,
		AnchorHash:         SHA256Hex(Canonicalize(anchorInput)),
	}

	return j.store.InsertAnchor(ctx, anchor)
}
