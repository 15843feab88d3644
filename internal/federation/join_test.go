package federation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type product struct {
	ID      string
	OwnerID string
	Owner   []user
}

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fakeCaller struct {
	calls []IDs
	resp  string
	err   error
}

func (f *fakeCaller) Call(_ context.Context, service, operation string, _ map[string]string, body any, opts Options) (json.RawMessage, error) {
	f.calls = append(f.calls, body.(IDs))
	if !opts.AsInternal {
		return nil, errors.New("batch calls must be internal")
	}
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.resp), nil
}

var ownerRelation = Relation[product, user]{
	Service:    "userService",
	Operation:  "getUsersByIds",
	ForeignKey: func(p product) string { return p.OwnerID },
	JoinKey:    func(u user) string { return u.ID },
	Attach: func(p product, owners []user) product {
		p.Owner = owners
		return p
	},
}

func TestJoin_SomeMatch(t *testing.T) {
	items := []product{
		{ID: "p1", OwnerID: "u1"},
		{ID: "p2", OwnerID: "u2"},
		{ID: "p3", OwnerID: "u1"},
		{ID: "p4"},
	}
	c := &fakeCaller{resp: `[{"id":"u1","name":"Ada"}]`}

	out := Join(context.Background(), c, items, ownerRelation)

	require.Len(t, c.calls, 1)
	assert.Equal(t, []string{"u1", "u2"}, c.calls[0].IDs)

	require.Len(t, out, 4)
	for i := range items {
		assert.Equal(t, items[i].ID, out[i].ID)
		assert.NotNil(t, out[i].Owner)
	}
	assert.Equal(t, []user{{ID: "u1", Name: "Ada"}}, out[0].Owner)
	assert.Empty(t, out[1].Owner)
	assert.Equal(t, []user{{ID: "u1", Name: "Ada"}}, out[2].Owner)
	assert.Empty(t, out[3].Owner)
}

func TestJoin_AllAndNoneMatch(t *testing.T) {
	items := []product{{ID: "p1", OwnerID: "u1"}, {ID: "p2", OwnerID: "u2"}}

	all := Join(context.Background(), &fakeCaller{resp: `[{"id":"u2"},{"id":"u1"}]`}, items, ownerRelation)
	require.Len(t, all, 2)
	assert.Equal(t, "u1", all[0].Owner[0].ID)
	assert.Equal(t, "u2", all[1].Owner[0].ID)

	none := Join(context.Background(), &fakeCaller{resp: `[]`}, items, ownerRelation)
	require.Len(t, none, 2)
	assert.Empty(t, none[0].Owner)
	assert.Empty(t, none[1].Owner)
}

func TestJoin_FailureDegrades(t *testing.T) {
	items := []product{{ID: "p1", OwnerID: "u1"}, {ID: "p2", OwnerID: "u2"}}
	c := &fakeCaller{err: &RemoteUnavailableError{Service: "userService", Operation: "getUsersByIds", Err: errors.New("connection refused")}}

	out := Join(context.Background(), c, items, ownerRelation)

	require.Len(t, out, 2)
	for _, p := range out {
		assert.NotNil(t, p.Owner)
		assert.Empty(t, p.Owner)
	}
}

func TestJoin_MalformedResponseDegrades(t *testing.T) {
	out := Join(context.Background(), &fakeCaller{resp: `{"not":"a list"}`}, []product{{ID: "p1", OwnerID: "u1"}}, ownerRelation)
	require.Len(t, out, 1)
	assert.Empty(t, out[0].Owner)
}

func TestJoin_NoKeysNoCall(t *testing.T) {
	c := &fakeCaller{}

	out := Join(context.Background(), c, []product{{ID: "p1"}, {ID: "p2"}}, ownerRelation)
	assert.Empty(t, c.calls)
	require.Len(t, out, 2)

	out = Join(context.Background(), c, nil, ownerRelation)
	assert.Empty(t, c.calls)
	assert.Empty(t, out)
}
