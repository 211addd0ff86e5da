// ABOUTME: Tests for the subscription table indexes and cascade removal
// ABOUTME: Includes property tests for removal cascade and unsubscribe idempotence

package subscription

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-stream/internal/session"
)

func newTable(t *testing.T) (*Table, *session.Registry) {
	t.Helper()
	reg := session.New(session.Options{})
	return New(reg, nil), reg
}

func TestTable_SubscribeActive(t *testing.T) {
	tbl, reg := newTable(t)
	id := reg.Create(session.Meta{})

	assert.Equal(t, Subscribed, tbl.Subscribe(id, "c1"))
	assert.Equal(t, Subscribed, tbl.Subscribe(id, "c2"))
	assert.Equal(t, Subscribed, tbl.Subscribe(id, "c1")) // re-subscribe is harmless

	assert.Equal(t, []string{"c1", "c2"}, tbl.SubscribersOf(id))
	assert.Equal(t, []string{id}, tbl.SessionsOf("c1"))
	assert.True(t, tbl.IsSubscribed(id, "c2"))
}

func TestTable_SubscribeEndedOrMissing(t *testing.T) {
	tbl, reg := newTable(t)
	id := reg.Create(session.Meta{})
	require.NoError(t, reg.End(id))

	assert.Equal(t, SessionEnded, tbl.Subscribe(id, "c1"))
	assert.Equal(t, SessionNotFound, tbl.Subscribe("nope", "c1"))

	assert.Empty(t, tbl.SubscribersOf(id))
	assert.Empty(t, tbl.SessionsOf("c1"))
}

func TestTable_UnsubscribeIdempotent(t *testing.T) {
	tbl, reg := newTable(t)
	id := reg.Create(session.Meta{})
	tbl.Subscribe(id, "c1")

	assert.True(t, tbl.Unsubscribe(id, "c1"))
	assert.False(t, tbl.Unsubscribe(id, "c1"))
	assert.False(t, tbl.Unsubscribe("other", "c1"))

	assert.Empty(t, tbl.SubscribersOf(id))
	sessions, conns := tbl.Counts()
	assert.Zero(t, sessions)
	assert.Zero(t, conns)
}

func TestTable_RemoveConnectionCascades(t *testing.T) {
	tbl, reg := newTable(t)
	s1 := reg.Create(session.Meta{})
	s2 := reg.Create(session.Meta{})
	s3 := reg.Create(session.Meta{})

	tbl.Subscribe(s1, "c1")
	tbl.Subscribe(s2, "c1")
	tbl.Subscribe(s2, "c2")
	tbl.Subscribe(s3, "c2")

	removed := tbl.RemoveConnection("c1")
	assert.ElementsMatch(t, []string{s1, s2}, removed)

	assert.Empty(t, tbl.SubscribersOf(s1))
	assert.Equal(t, []string{"c2"}, tbl.SubscribersOf(s2))
	assert.Equal(t, []string{"c2"}, tbl.SubscribersOf(s3))
	assert.Empty(t, tbl.SessionsOf("c1"))

	assert.Empty(t, tbl.RemoveConnection("c1"))
}

func TestTable_DestroyedSessionDropsEntry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := session.New(session.Options{
		GracePeriod: time.Second,
		Now:         func() time.Time { return now },
	})
	tbl := New(reg, nil)

	id := reg.Create(session.Meta{})
	tbl.Subscribe(id, "c1")
	require.NoError(t, reg.End(id))

	now = now.Add(2 * time.Second)
	reg.Sweep()

	assert.False(t, reg.Exists(id))
	assert.Empty(t, tbl.SubscribersOf(id))
	assert.Empty(t, tbl.SessionsOf("c1"))
}

func TestTable_ConcurrentMutations(t *testing.T) {
	tbl, reg := newTable(t)
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = reg.Create(session.Meta{})
	}

	var wg sync.WaitGroup
	for c := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", c)
			for i, id := range ids {
				tbl.Subscribe(id, conn)
				_ = tbl.SubscribersOf(id)
				if i%2 == 0 {
					tbl.Unsubscribe(id, conn)
				}
			}
			tbl.RemoveConnection(conn)
		}()
	}
	wg.Wait()

	sessions, conns := tbl.Counts()
	assert.Zero(t, sessions)
	assert.Zero(t, conns)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "subscribed", Subscribed.String())
	assert.Equal(t, "session_ended", SessionEnded.String())
	assert.Equal(t, "session_not_found", SessionNotFound.String())
	assert.Equal(t, "unknown", Result(7).String())
}

// op encodes one generated action: session = op%5, conn = (op/5)%6, and
// subscribe when op < 30, unsubscribe otherwise.
type op = int

func genOps() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 59))
}

func TestTable_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("removeConnection leaves no reference to the connection", prop.ForAll(
		func(ops []op, victim int) bool {
			reg := session.New(session.Options{})
			tbl := New(reg, nil)
			ids := make([]string, 5)
			for i := range ids {
				ids[i] = reg.Create(session.Meta{})
			}
			apply(tbl, ids, ops)

			victimID := fmt.Sprintf("c%d", victim)
			tbl.RemoveConnection(victimID)

			for _, id := range ids {
				for _, c := range tbl.SubscribersOf(id) {
					if c == victimID {
						return false
					}
				}
			}
			return len(tbl.SessionsOf(victimID)) == 0
		},
		genOps(),
		gen.IntRange(0, 5),
	))

	properties.Property("unsubscribe twice equals unsubscribe once", prop.ForAll(
		func(ops []op, s, c int) bool {
			build := func(times int) *Table {
				reg := session.New(session.Options{NewID: sequentialIDs()})
				tbl := New(reg, nil)
				ids := make([]string, 5)
				for i := range ids {
					ids[i] = reg.Create(session.Meta{})
				}
				apply(tbl, ids, ops)
				for range times {
					tbl.Unsubscribe(ids[s], fmt.Sprintf("c%d", c))
				}
				return tbl
			}
			once, twice := build(1), build(2)
			for i := range 5 {
				id := fmt.Sprintf("s%d", i)
				if fmt.Sprint(once.SubscribersOf(id)) != fmt.Sprint(twice.SubscribersOf(id)) {
					return false
				}
			}
			return true
		},
		genOps(),
		gen.IntRange(0, 4),
		gen.IntRange(0, 5),
	))

	properties.Property("forward and reverse indexes agree", prop.ForAll(
		func(ops []op) bool {
			reg := session.New(session.Options{})
			tbl := New(reg, nil)
			ids := make([]string, 5)
			for i := range ids {
				ids[i] = reg.Create(session.Meta{})
			}
			apply(tbl, ids, ops)

			for _, id := range ids {
				for _, c := range tbl.SubscribersOf(id) {
					found := false
					for _, s := range tbl.SessionsOf(c) {
						found = found || s == id
					}
					if !found {
						return false
					}
				}
			}
			return true
		},
		genOps(),
	))

	properties.TestingRun(t)
}

func apply(tbl *Table, ids []string, ops []op) {
	for _, o := range ops {
		sessionID := ids[o%5]
		conn := fmt.Sprintf("c%d", (o/5)%6)
		if o < 30 {
			tbl.Subscribe(sessionID, conn)
		} else {
			tbl.Unsubscribe(sessionID, conn)
		}
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		id := fmt.Sprintf("s%d", n)
		n++
		return id
	}
}
