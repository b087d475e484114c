// Package mongo implements the low-level MongoDB client used by the process
// table store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/ratio/runtime/processes"
)

type (
	// Client exposes Mongo-backed operations for the process table.
	Client interface {
		health.Pinger

		Insert(ctx context.Context, p *processes.Process) error
		FindByID(ctx context.Context, processID string) (*processes.Process, error)
		FindByParent(ctx context.Context, parentProcessID string) ([]*processes.Process, error)
		FindRunningBefore(ctx context.Context, cutoff time.Time) ([]*processes.Process, error)
		FindRunning(ctx context.Context) ([]*processes.Process, error)
		Transition(ctx context.Context, processID string, to processes.Status, message string) (*processes.Process, bool, error)
		SetResponsePath(ctx context.Context, processID, responsePath string) error
		AppendStatusMessage(ctx context.Context, processID, line string) error
		Delete(ctx context.Context, processID string) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
		now     func() time.Time
	}
)

const (
	defaultCollection = "ratio_processes"
	defaultTimeout    = 5 * time.Second
	clientName        = "process-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Insert(ctx context.Context, p *processes.Process) error {
	if p == nil {
		return errors.New("process is required")
	}
	if p.ProcessID == "" {
		return errors.New("process id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.coll.InsertOne(ctx, p)
	return err
}

func (c *client) FindByID(ctx context.Context, processID string) (*processes.Process, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var p processes.Process
	err := c.coll.FindOne(ctx, bson.M{"process_id": processID}).Decode(&p)
	if err == mongodriver.ErrNoDocuments {
		return nil, processes.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *client) FindByParent(ctx context.Context, parentProcessID string) ([]*processes.Process, error) {
	return c.find(ctx, bson.M{"parent_process_id": parentProcessID})
}

func (c *client) FindRunningBefore(ctx context.Context, cutoff time.Time) ([]*processes.Process, error) {
	return c.find(ctx, bson.M{
		"execution_status": string(processes.StatusRunning),
		"started_on":       bson.M{"$lt": cutoff},
	})
}

func (c *client) FindRunning(ctx context.Context) ([]*processes.Process, error) {
	return c.find(ctx, bson.M{"execution_status": string(processes.StatusRunning)})
}

func (c *client) find(ctx context.Context, filter bson.M) (out []*processes.Process, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "process_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var p processes.Process
		if err := cur.Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Transition moves a RUNNING row to the target status with a single
// conditional update so concurrent handlers cannot reverse a terminal
// status. When the row is already terminal the current row is returned with
// changed=false.
func (c *client) Transition(ctx context.Context, processID string, to processes.Status, message string) (*processes.Process, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	set := bson.M{"execution_status": string(to)}
	if message != "" {
		set["status_message"] = message
	}
	if to.Terminal() {
		set["ended_on"] = c.now().UTC()
	}
	var updated processes.Process
	err := c.coll.FindOneAndUpdate(ctx,
		bson.M{"process_id": processID, "execution_status": string(processes.StatusRunning)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err == nil {
		return &updated, true, nil
	}
	if err != mongodriver.ErrNoDocuments {
		return nil, false, err
	}
	current, gerr := c.FindByID(ctx, processID)
	if gerr != nil {
		return nil, false, gerr
	}
	return current, false, nil
}

func (c *client) SetResponsePath(ctx context.Context, processID, responsePath string) error {
	return c.updateOne(ctx, processID, bson.M{"$set": bson.M{"response_path": responsePath}})
}

func (c *client) AppendStatusMessage(ctx context.Context, processID, line string) error {
	current, err := c.FindByID(ctx, processID)
	if err != nil {
		return err
	}
	message := line
	if current.StatusMessage != "" {
		message = current.StatusMessage + "\n" + line
	}
	return c.updateOne(ctx, processID, bson.M{"$set": bson.M{"status_message": message}})
}

func (c *client) Delete(ctx context.Context, processID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.DeleteOne(ctx, bson.M{"process_id": processID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return processes.ErrNotFound
	}
	return nil
}

func (c *client) updateOne(ctx context.Context, processID string, update bson.M) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.UpdateOne(ctx, bson.M{"process_id": processID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return processes.ErrNotFound
	}
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	unique := true
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "process_id", Value: 1}},
			Options: &options.IndexOptions{Unique: &unique},
		},
		{
			Keys: bson.D{{Key: "parent_process_id", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "execution_status", Value: 1},
				{Key: "started_on", Value: 1},
			},
		},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) singleResult
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type singleResult interface {
	Decode(val any) error
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
