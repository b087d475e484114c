package mongo

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/ratio/runtime/processes"
)

type fakeCollection struct {
	rows    map[string]*processes.Process
	indexes []mongodriver.IndexModel
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{rows: make(map[string]*processes.Process)}
}

func (f *fakeCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	p, ok := document.(*processes.Process)
	if !ok {
		return nil, errors.New("unexpected document type")
	}
	if _, exists := f.rows[p.ProcessID]; exists {
		return nil, errors.New("duplicate key: process_id")
	}
	copied := *p
	f.rows[p.ProcessID] = &copied
	return &mongodriver.InsertOneResult{InsertedID: p.ProcessID}, nil
}

func (f *fakeCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	row := f.match(filter.(bson.M))
	if row == nil {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{p: row}
}

func (f *fakeCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	var out []*processes.Process
	for _, row := range f.rows {
		if f.matches(row, filter.(bson.M)) {
			copied := *row
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return &fakeCursor{rows: out}, nil
}

func (f *fakeCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	row := f.match(filter.(bson.M))
	if row == nil {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	f.applySet(row, update.(bson.M)["$set"].(bson.M))
	return fakeSingleResult{p: row}
}

func (f *fakeCollection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	row := f.match(filter.(bson.M))
	if row == nil {
		return &mongodriver.UpdateResult{}, nil
	}
	f.applySet(row, update.(bson.M)["$set"].(bson.M))
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	row := f.match(filter.(bson.M))
	if row == nil {
		return &mongodriver.DeleteResult{}, nil
	}
	delete(f.rows, row.ProcessID)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (f *fakeCollection) Indexes() indexView { return fakeIndexView{coll: f} }

func (f *fakeCollection) match(filter bson.M) *processes.Process {
	for _, row := range f.rows {
		if f.matches(row, filter) {
			return row
		}
	}
	return nil
}

func (f *fakeCollection) matches(row *processes.Process, filter bson.M) bool {
	for key, want := range filter {
		switch key {
		case "process_id":
			if row.ProcessID != want.(string) {
				return false
			}
		case "parent_process_id":
			if row.ParentProcessID != want.(string) {
				return false
			}
		case "execution_status":
			if string(row.ExecutionStatus) != want.(string) {
				return false
			}
		case "started_on":
			cutoff := want.(bson.M)["$lt"].(time.Time)
			if !row.StartedOn.Before(cutoff) {
				return false
			}
		default:
			panic("unexpected filter key " + key)
		}
	}
	return true
}

func (f *fakeCollection) applySet(row *processes.Process, set bson.M) {
	for key, val := range set {
		switch key {
		case "execution_status":
			row.ExecutionStatus = processes.Status(val.(string))
		case "status_message":
			row.StatusMessage = val.(string)
		case "response_path":
			row.ResponsePath = val.(string)
		case "ended_on":
			ended := val.(time.Time)
			row.EndedOn = &ended
		default:
			panic("unexpected $set key " + key)
		}
	}
}

type fakeSingleResult struct {
	p   *processes.Process
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*val.(*processes.Process) = *r.p
	return nil
}

type fakeCursor struct {
	rows []*processes.Process
	pos  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	*val.(*processes.Process) = *c.rows[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

type fakeIndexView struct{ coll *fakeCollection }

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	v.coll.indexes = append(v.coll.indexes, model)
	return "", nil
}

func newTestClient(t *testing.T) (*client, *fakeCollection) {
	t.Helper()
	coll := newFakeCollection()
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return c, coll
}

func running(id, parent string, started time.Time) *processes.Process {
	return &processes.Process{
		ProcessID:       id,
		ParentProcessID: parent,
		ExecutionStatus: processes.StatusRunning,
		StartedOn:       started,
	}
}

func TestEnsureIndexes(t *testing.T) {
	coll := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Len(t, coll.indexes, 3)
	require.NotNil(t, coll.indexes[0].Options)
	require.True(t, *coll.indexes[0].Options.Unique, "process_id index is unique")
}

func TestInsertAndFindByID(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.Error(t, c.Insert(ctx, nil))
	require.Error(t, c.Insert(ctx, &processes.Process{}))

	p := running("p1", processes.SystemParent, time.Now())
	require.NoError(t, c.Insert(ctx, p))
	require.Error(t, c.Insert(ctx, p), "unique index rejects duplicate ids")

	got, err := c.FindByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "p1", got.ProcessID)

	_, err = c.FindByID(ctx, "nope")
	require.ErrorIs(t, err, processes.ErrNotFound)
}

func TestFindByParent(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, running("c2", "parent", time.Now())))
	require.NoError(t, c.Insert(ctx, running("c1", "parent", time.Now())))
	require.NoError(t, c.Insert(ctx, running("x1", "other", time.Now())))

	rows, err := c.FindByParent(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "c1", rows[0].ProcessID, "results sort by process id")
	require.Equal(t, "c2", rows[1].ProcessID)
}

func TestFindRunning(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, c.Insert(ctx, running("old", processes.SystemParent, base.Add(-20*time.Minute))))
	require.NoError(t, c.Insert(ctx, running("fresh", processes.SystemParent, base.Add(-time.Minute))))
	_, changed, err := c.Transition(ctx, "fresh", processes.StatusCompleted, "")
	require.NoError(t, err)
	require.True(t, changed)

	rows, err := c.FindRunningBefore(ctx, base.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "old", rows[0].ProcessID)

	rows, err = c.FindRunning(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "old", rows[0].ProcessID)
}

func TestTransitionConditional(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	require.NoError(t, c.Insert(ctx, running("p1", processes.SystemParent, fixed.Add(-time.Minute))))

	row, changed, err := c.Transition(ctx, "p1", processes.StatusFailed, "boom")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, processes.StatusFailed, row.ExecutionStatus)
	require.Equal(t, "boom", row.StatusMessage)
	require.NotNil(t, row.EndedOn)
	require.Equal(t, fixed, *row.EndedOn)

	// A terminal row never matches the RUNNING filter again.
	row, changed, err = c.Transition(ctx, "p1", processes.StatusCompleted, "")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, processes.StatusFailed, row.ExecutionStatus)
	require.Equal(t, "boom", row.StatusMessage)

	_, _, err = c.Transition(ctx, "nope", processes.StatusCompleted, "")
	require.ErrorIs(t, err, processes.ErrNotFound)
}

func TestSetResponsePathAndAppendStatusMessage(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, running("p1", processes.SystemParent, time.Now())))

	require.NoError(t, c.SetResponsePath(ctx, "p1", "/wd/response.aio"))
	got, err := c.FindByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "/wd/response.aio", got.ResponsePath)
	require.ErrorIs(t, c.SetResponsePath(ctx, "nope", "/x"), processes.ErrNotFound)

	require.NoError(t, c.AppendStatusMessage(ctx, "p1", "first"))
	require.NoError(t, c.AppendStatusMessage(ctx, "p1", "second"))
	got, err = c.FindByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "first\nsecond", got.StatusMessage)
	require.ErrorIs(t, c.AppendStatusMessage(ctx, "nope", "x"), processes.ErrNotFound)
}

func TestDelete(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, running("p1", processes.SystemParent, time.Now())))
	require.NoError(t, c.Delete(ctx, "p1"))
	require.ErrorIs(t, c.Delete(ctx, "p1"), processes.ErrNotFound)
}
