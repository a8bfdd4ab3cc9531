package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store"
)

// Assigner handles deterministic shard assignment to executor hosts.
type Assigner struct {
	store store.ShardStore
}

// NewAssigner creates a new Assigner with the given shard store.
func NewAssigner(s store.ShardStore) *Assigner {
	return &Assigner{
		store: s,
	}
}

// Assign computes the owners of every shard of a revision from the live hosts.
// Hosts are sorted by ID (ascending string order) so that every host computing the table
// gets the same result: shard i goes to hosts[i mod len(hosts)].
// Hosts that are stopping receive no shards. Returns an empty table if no host is live.
func Assign(numberOfShards int, hosts []shard.Host) map[shard.ID]shard.HostID {
	live := make([]shard.HostID, 0, len(hosts))
	for _, h := range hosts {
		if h.State == shard.HostStateDead || h.State == shard.HostStateStopping {
			continue
		}
		live = append(live, h.ID)
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	owners := make(map[shard.ID]shard.HostID, numberOfShards)
	if len(live) == 0 {
		return owners
	}
	for i := 0; i < numberOfShards; i++ {
		owners[shard.ID(i)] = live[i%len(live)]
	}
	return owners
}

// AssignShards assigns every shard of the revision to the live hosts and stores the result.
// If no host is live, nothing is stored.
func (a *Assigner) AssignShards(ctx context.Context, revision shard.Revision) (map[shard.ID]shard.HostID, error) {
	hosts, err := a.store.GetActiveHosts(ctx)
	if err != nil {
		return nil, err
	}

	owners := Assign(revision.NumberOfShards, hosts)
	if len(owners) == 0 {
		return owners, nil
	}

	if err := a.store.AssignShards(ctx, revision.ID, owners); err != nil {
		return nil, fmt.Errorf("failed to assign %d shards in revision %s: %w", len(owners), revision.ID, err)
	}
	return owners, nil
}
