package cluster

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ValentinKolb/dMap/lib/util"
)

// Member is one node of the cluster.
type Member struct {
	ID      string `json:"id" mapstructure:"id"`
	Address string `json:"address" mapstructure:"address"`
}

func (m Member) String() string {
	return fmt.Sprintf("%s@%s", m.ID, m.Address)
}

// Move describes a partition changing its owner.
type Move struct {
	Partition int
	From      string
	To        string
}

// PartitionTable maps partitions to members. It is immutable.
type PartitionTable struct {
	count   int
	backups int
	members []Member // sorted by id
	byID    map[string]int
}

// NewPartitionTable builds the table for members. Duplicate ids are dropped.
func NewPartitionTable(count, backups int, members []Member) *PartitionTable {
	if count < 1 {
		count = 1
	}
	if backups < 0 {
		backups = 0
	}
	sorted := make([]Member, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if !seen[m.ID] {
			seen[m.ID] = true
			sorted = append(sorted, m)
		}
	}
	slices.SortFunc(sorted, func(a, b Member) int { return strings.Compare(a.ID, b.ID) })
	t := &PartitionTable{count: count, backups: backups, members: sorted, byID: make(map[string]int, len(sorted))}
	for i, m := range sorted {
		t.byID[m.ID] = i
	}
	return t
}

// Count returns the number of partitions.
func (t *PartitionTable) Count() int { return t.count }

// Backups returns the configured number of replicas per partition.
func (t *PartitionTable) Backups() int { return t.backups }

// Members returns the members in table order.
func (t *PartitionTable) Members() []Member { return slices.Clone(t.members) }

// Member returns the member with id.
func (t *PartitionTable) Member(id string) (Member, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Member{}, false
	}
	return t.members[i], true
}

// PartitionFor returns the partition of key.
func (t *PartitionTable) PartitionFor(key []byte) int {
	return util.PartitionFor(key, t.count)
}

// OwnerOf returns the id of the partition's primary, "" without members.
func (t *PartitionTable) OwnerOf(partition int) string {
	if len(t.members) == 0 {
		return ""
	}
	return t.members[partition%len(t.members)].ID
}

// ReplicasOf returns the ids of the partition's backups, never the owner.
func (t *PartitionTable) ReplicasOf(partition int) []string {
	n := len(t.members)
	b := min(t.backups, n-1)
	if b <= 0 {
		return nil
	}
	out := make([]string, 0, b)
	for i := 1; i <= b; i++ {
		out = append(out, t.members[(partition+i)%n].ID)
	}
	return out
}

// IsReplica reports whether member holds a backup of partition.
func (t *PartitionTable) IsReplica(partition int, member string) bool {
	return slices.Contains(t.ReplicasOf(partition), member)
}

// PartitionsOwnedBy returns the partitions whose primary is member.
func (t *PartitionTable) PartitionsOwnedBy(member string) []int {
	var out []int
	for p := 0; p < t.count; p++ {
		if t.OwnerOf(p) == member {
			out = append(out, p)
		}
	}
	return out
}

// WithMembers returns the table for a new member list and the partitions whose
// owner changed.
func (t *PartitionTable) WithMembers(members []Member) (*PartitionTable, []Move) {
	next := NewPartitionTable(t.count, t.backups, members)
	var moves []Move
	for p := 0; p < t.count; p++ {
		from, to := t.OwnerOf(p), next.OwnerOf(p)
		if from != to {
			moves = append(moves, Move{Partition: p, From: from, To: to})
		}
	}
	return next, moves
}

func (t *PartitionTable) String() string {
	ids := make([]string, len(t.members))
	for i, m := range t.members {
		ids[i] = m.ID
	}
	return fmt.Sprintf("partitions=%d backups=%d members=[%s]", t.count, t.backups, strings.Join(ids, ","))
}
