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
	"tentackl/internal/checkpoint"
	"tentackl/internal/domain"
)

const defaultCheckpointsCollection = "checkpoints"

type checkpointDocument struct {
	TaskID    string `bson:"task_id"`
	StepID    string `bson:"step_id"`
	UserID    string `bson:"user_id"`
	Decision  string `bson:"decision"`
	CreatedAt time.Time `bson:"created_at"`
	Doc       []byte `bson:"doc"`
}

func checkpointToDocument(cp *domain.CheckpointState, userID string) (checkpointDocument, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return checkpointDocument{}, err
	}
	return checkpointDocument{
		TaskID:    string(cp.TaskID),
		StepID:    string(cp.StepID),
		UserID:    userID,
		Decision:  string(cp.Decision),
		CreatedAt: cp.CreatedAt,
		Doc:       data,
	}, nil
}

func (d checkpointDocument) toCheckpoint() (*domain.CheckpointState, error) {
	cp := &domain.CheckpointState{}
	if err := json.Unmarshal(d.Doc, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// CheckpointStore implements checkpoint.Store on a Mongo "checkpoints"
// collection. Unlike ports.TaskStore, CheckpointState carries no user id,
// so the document additionally projects the owning task's user id (looked
// up from tasks at Insert time) to support ListPending's per-user filter.
type CheckpointStore struct {
	db         *Database
	collection string
	tasks      *TaskStore
}

// NewCheckpointStore constructs a CheckpointStore, creating its indexes.
// tasks is consulted at Insert time to resolve the owning user id.
func NewCheckpointStore(db *Database, tasks *TaskStore) (*CheckpointStore, error) {
	if db == nil || tasks == nil {
		return nil, apperr.New(apperr.ValidationError, "store/mongo: Database and TaskStore are required")
	}
	s := &CheckpointStore{db: db, collection: defaultCheckpointsCollection, tasks: tasks}
	ctx, cancel := db.withTimeout(context.Background())
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: ensure checkpoint indexes")
	}
	return s, nil
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

func (s *CheckpointStore) ensureIndexes(ctx context.Context) error {
	coll := s.db.collection(s.collection)
	if _, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}, {Key: "step_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "decision", Value: 1}},
	})
	return err
}

// Insert stores a new checkpoint record.
func (s *CheckpointStore) Insert(ctx context.Context, cp *domain.CheckpointState) error {
	userID := ""
	if t, err := s.tasks.GetTask(ctx, cp.TaskID); err == nil {
		userID = t.UserID
	}
	doc, err := checkpointToDocument(cp, userID)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "store/mongo: encode checkpoint")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err = s.db.collection(s.collection).InsertOne(ctx, doc)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: insert checkpoint")
	}
	return nil
}

// Get loads the checkpoint for taskID/stepID.
func (s *CheckpointStore) Get(ctx context.Context, taskID domain.TaskID, stepID domain.StepID) (*domain.CheckpointState, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var doc checkpointDocument
	filter := bson.M{"task_id": string(taskID), "step_id": string(stepID)}
	if err := s.db.collection(s.collection).FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, apperr.Newf(apperr.NotFound, "store/mongo: checkpoint %s/%s not found", taskID, stepID)
		}
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: find checkpoint")
	}
	return doc.toCheckpoint()
}

// Update overwrites the stored checkpoint, typically to record a
// resolution.
func (s *CheckpointStore) Update(ctx context.Context, cp *domain.CheckpointState) error {
	userID := ""
	if t, err := s.tasks.GetTask(ctx, cp.TaskID); err == nil {
		userID = t.UserID
	}
	doc, err := checkpointToDocument(cp, userID)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "store/mongo: encode checkpoint")
	}
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"task_id": string(cp.TaskID), "step_id": string(cp.StepID)}
	res, err := s.db.collection(s.collection).UpdateOne(ctx, filter, bson.M{"$set": doc})
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: update checkpoint")
	}
	if res.MatchedCount == 0 {
		return apperr.Newf(apperr.NotFound, "store/mongo: checkpoint %s/%s not found", cp.TaskID, cp.StepID)
	}
	return nil
}

// ListPending returns every unresolved checkpoint visible to userID,
// oldest first.
func (s *CheckpointStore) ListPending(ctx context.Context, userID string) ([]*domain.CheckpointState, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"decision": string(domain.DecisionPending)}
	if userID != "" {
		filter["user_id"] = userID
	}
	return s.findCheckpoints(ctx, filter)
}

// ListPendingForTask returns every unresolved checkpoint belonging to
// taskID, oldest first.
func (s *CheckpointStore) ListPendingForTask(ctx context.Context, taskID domain.TaskID) ([]*domain.CheckpointState, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"task_id": string(taskID), "decision": string(domain.DecisionPending)}
	return s.findCheckpoints(ctx, filter)
}

func (s *CheckpointStore) findCheckpoints(ctx context.Context, filter bson.M) ([]*domain.CheckpointState, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := s.db.collection(s.collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: find checkpoints")
	}
	var docs []checkpointDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: decode checkpoints")
	}
	out := make([]*domain.CheckpointState, 0, len(docs))
	for _, doc := range docs {
		cp, err := doc.toCheckpoint()
		if err != nil {
			return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: decode checkpoint")
		}
		out = append(out, cp)
	}
	return out, nil
}
