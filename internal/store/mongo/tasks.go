package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

const defaultTasksCollection = "tasks"

// taskDocument projects the queryable fields the store filters and sorts
// on; Doc carries the task's full JSON encoding since domain.Task (and
// domain.Value within it) defines only JSON marshaling.
type taskDocument struct {
	TaskID    string    `bson:"task_id"`
	UserID    string    `bson:"user_id"`
	OrgID     string    `bson:"org_id"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Doc       []byte    `bson:"doc"`
}

func taskToDocument(t *domain.Task) (taskDocument, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return taskDocument{}, err
	}
	return taskDocument{
		TaskID:    string(t.ID),
		UserID:    t.UserID,
		OrgID:     t.OrgID,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Doc:       data,
	}, nil
}

func (d taskDocument) toTask() (*domain.Task, error) {
	t := &domain.Task{}
	if err := json.Unmarshal(d.Doc, t); err != nil {
		return nil, err
	}
	return t, nil
}

// TaskStore implements ports.TaskStore on a Mongo "tasks" collection.
type TaskStore struct {
	db         *Database
	collection string
}

// NewTaskStore constructs a TaskStore, defaulting the collection name and
// creating its indexes.
func NewTaskStore(db *Database) (*TaskStore, error) {
	if db == nil {
		return nil, apperr.New(apperr.ValidationError, "store/mongo: Database is required")
	}
	s := &TaskStore{db: db, collection: defaultTasksCollection}
	ctx, cancel := db.withTimeout(context.Background())
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: ensure task indexes")
	}
	return s, nil
}

var _ ports.TaskStore = (*TaskStore)(nil)

func (s *TaskStore) ensureIndexes(ctx context.Context) error {
	coll := s.db.collection(s.collection)
	if _, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		return err
	}
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}},
	})
	return err
}

// CreateTask inserts t, rejecting a duplicate task id.
func (s *TaskStore) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	doc, err := taskToDocument(t)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "store/mongo: encode task")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.collection(s.collection).InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return apperr.Newf(apperr.ValidationError, "store/mongo: task %q already exists", t.ID)
		}
		return apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: insert task")
	}
	return nil
}

// GetTask loads and decodes the task with id.
func (s *TaskStore) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	if err := s.db.collection(s.collection).FindOne(ctx, bson.M{"task_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, apperr.Newf(apperr.NotFound, "store/mongo: task %q not found", id)
		}
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: find task")
	}
	return doc.toTask()
}

// UpdateTask loads the task, applies mutate, and writes the result back.
func (s *TaskStore) UpdateTask(ctx context.Context, id domain.TaskID, mutate func(*domain.Task) error) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(t); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	doc, err := taskToDocument(t)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "store/mongo: encode task")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	res, err := s.db.collection(s.collection).UpdateOne(ctx,
		bson.M{"task_id": string(id)},
		bson.M{"$set": doc},
	)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: update task")
	}
	if res.MatchedCount == 0 {
		return apperr.Newf(apperr.NotFound, "store/mongo: task %q not found", id)
	}
	return nil
}

// ListTasks returns userID's tasks newest first, paginated.
func (s *TaskStore) ListTasks(ctx context.Context, userID string, limit, offset int) ([]*domain.Task, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if userID != "" {
		filter["user_id"] = userID
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if offset > 0 {
		findOpts = findOpts.SetSkip(int64(offset))
	}
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	cur, err := s.db.collection(s.collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: list tasks")
	}
	var docs []taskDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: decode task list")
	}
	out := make([]*domain.Task, 0, len(docs))
	for _, doc := range docs {
		t, err := doc.toTask()
		if err != nil {
			return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: decode task")
		}
		out = append(out, t)
	}
	return out, nil
}

// AddFinding appends f to the task's findings.
func (s *TaskStore) AddFinding(ctx context.Context, id domain.TaskID, f domain.Finding) error {
	return s.UpdateTask(ctx, id, func(t *domain.Task) error {
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now().UTC()
		}
		t.Findings = append(t.Findings, f)
		return nil
	})
}

// SetParentTask records id's parent task.
func (s *TaskStore) SetParentTask(ctx context.Context, id, parent domain.TaskID) error {
	return s.UpdateTask(ctx, id, func(t *domain.Task) error {
		p := parent
		t.ParentTaskID = &p
		return nil
	})
}

// SetSupersededBy marks id as superseded by a replan successor.
func (s *TaskStore) SetSupersededBy(ctx context.Context, id, supersededBy domain.TaskID) error {
	return s.UpdateTask(ctx, id, func(t *domain.Task) error {
		sb := supersededBy
		t.SupersededBy = &sb
		t.Status = domain.TaskSuperseded
		return nil
	})
}

// StuckPlanningTasks returns PLANNING tasks untouched since before the
// cutoff, feeding the planning recovery sweep.
func (s *TaskStore) StuckPlanningTasks(ctx context.Context, olderThan time.Duration) ([]*domain.Task, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	cutoff := time.Now().Add(-olderThan)
	filter := bson.M{
		"status":     string(domain.TaskPlanning),
		"updated_at": bson.M{"$lt": cutoff},
	}
	cur, err := s.db.collection(s.collection).Find(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: find stuck tasks")
	}
	var docs []taskDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: decode stuck tasks")
	}
	out := make([]*domain.Task, 0, len(docs))
	for _, doc := range docs {
		t, err := doc.toTask()
		if err != nil {
			return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: decode task")
		}
		out = append(out, t)
	}
	return out, nil
}
