// Package inbox implements ports.InboxPort, the per-task conversation
// thread a user reviews for checkpoints, step outcomes, and completion
// summaries. It persists through the same Mongo database as the primary
// task store (thin delegation
// to a collection-specific client) applied to a "conversations" collection.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	storemongo "tentackl/internal/store/mongo"
)

const defaultConversationsCollection = "conversations"

// message is one entry in a conversation thread.
type message struct {
	Type      string    `bson:"type"`
	StepID    string    `bson:"step_id,omitempty"`
	Content   string    `bson:"content"`
	Timestamp time.Time `bson:"timestamp"`
}

type conversationDocument struct {
	ConversationID string    `bson:"conversation_id"`
	TaskID         string    `bson:"task_id"`
	UserID         string    `bson:"user_id"`
	Status         string    `bson:"status"`
	UpdatedAt      time.Time `bson:"updated_at"`
	Messages       []message `bson:"messages"`
}

// Tasks is the narrow task-lookup surface Inbox needs to resolve a task's
// owning user and current status.
type Tasks interface {
	GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error)
}

// Inbox implements ports.InboxPort on a Mongo "conversations" collection.
type Inbox struct {
	db         *storemongo.Database
	tasks      Tasks
	collection string
}

// New constructs an Inbox, creating its indexes.
func New(db *storemongo.Database, tasks Tasks) (*Inbox, error) {
	if db == nil || tasks == nil {
		return nil, apperr.New(apperr.ValidationError, "inbox: Database and Tasks are required")
	}
	ib := &Inbox{db: db, tasks: tasks, collection: defaultConversationsCollection}
	if err := ib.ensureIndexes(context.Background()); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "inbox: ensure indexes")
	}
	return ib, nil
}

var _ ports.InboxPort = (*Inbox)(nil)

func (ib *Inbox) ensureIndexes(ctx context.Context) error {
	_, err := ib.collectionHandle().Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "task_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// collectionHandle exposes the raw collection through Database's exported
// helper surface; Database keeps its wrapper types package-private, so
// Inbox talks to Mongo directly for the one collection it owns.
func (ib *Inbox) collectionHandle() *mongodriver.Collection {
	return ib.db.RawCollection(ib.collection)
}

// EnsureConversation returns the existing conversation id for taskID, or
// creates a new thread if none exists yet.
func (ib *Inbox) EnsureConversation(ctx context.Context, taskID domain.TaskID) (string, error) {
	var doc conversationDocument
	err := ib.collectionHandle().FindOne(ctx, bson.M{"task_id": string(taskID)}).Decode(&doc)
	if err == nil {
		return doc.ConversationID, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return "", apperr.Wrap(apperr.DependencyUnavailable, err, "inbox: find conversation")
	}

	userID := ""
	if t, terr := ib.tasks.GetTask(ctx, taskID); terr == nil {
		userID = t.UserID
	}
	convID := uuid.NewString()
	doc = conversationDocument{
		ConversationID: convID,
		TaskID:         string(taskID),
		UserID:         userID,
		Status:         "open",
		UpdatedAt:      time.Now().UTC(),
	}
	if _, err := ib.collectionHandle().InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			// lost a create race; re-read the winner's id.
			if rerr := ib.collectionHandle().FindOne(ctx, bson.M{"task_id": string(taskID)}).Decode(&doc); rerr == nil {
				return doc.ConversationID, nil
			}
		}
		return "", apperr.Wrap(apperr.DependencyUnavailable, err, "inbox: insert conversation")
	}
	return convID, nil
}

func (ib *Inbox) appendMessage(ctx context.Context, taskID domain.TaskID, msg message) error {
	if _, err := ib.EnsureConversation(ctx, taskID); err != nil {
		return err
	}
	update := bson.M{
		"$push": bson.M{"messages": msg},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	_, err := ib.collectionHandle().UpdateOne(ctx, bson.M{"task_id": string(taskID)}, update)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "inbox: append message")
	}
	return nil
}

// AddCheckpointMessage records a newly raised checkpoint awaiting review.
func (ib *Inbox) AddCheckpointMessage(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, cp *domain.CheckpointState) error {
	return ib.appendMessage(ctx, taskID, message{
		Type:      "checkpoint_raised",
		StepID:    string(stepID),
		Content:   fmt.Sprintf("%s: %s", cp.Name, cp.Description),
		Timestamp: time.Now().UTC(),
	})
}

// AddCheckpointResolutionMessage records a checkpoint's resolution.
func (ib *Inbox) AddCheckpointResolutionMessage(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, cp *domain.CheckpointState) error {
	content := fmt.Sprintf("%s: %s", cp.Name, cp.Decision)
	if cp.Feedback != "" {
		content = fmt.Sprintf("%s (%s)", content, cp.Feedback)
	}
	return ib.appendMessage(ctx, taskID, message{
		Type:      "checkpoint_resolved",
		StepID:    string(stepID),
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// AddStepMessage records a step's outcome.
func (ib *Inbox) AddStepMessage(ctx context.Context, taskID domain.TaskID, stepID domain.StepID, outcome string) error {
	return ib.appendMessage(ctx, taskID, message{
		Type:      "step_outcome",
		StepID:    string(stepID),
		Content:   outcome,
		Timestamp: time.Now().UTC(),
	})
}

// AddCompletionMessage records the task's final summary and closes the
// conversation.
func (ib *Inbox) AddCompletionMessage(ctx context.Context, taskID domain.TaskID, summary string, stepCounts map[string]int) error {
	if err := ib.appendMessage(ctx, taskID, message{
		Type:      "task_completed",
		Content:   fmt.Sprintf("%s (completed=%d failed=%d skipped=%d)", summary, stepCounts["completed"], stepCounts["failed"], stepCounts["skipped"]),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}
	_, err := ib.collectionHandle().UpdateOne(ctx, bson.M{"task_id": string(taskID)}, bson.M{"$set": bson.M{"status": "closed"}})
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "inbox: close conversation")
	}
	return nil
}

// ListInbox returns every conversation thread belonging to userID, most
// recently updated first.
func (ib *Inbox) ListInbox(ctx context.Context, userID string) ([]ports.InboxEntry, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	cur, err := ib.collectionHandle().Find(ctx, bson.M{"user_id": userID}, findOpts)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "inbox: list conversations")
	}
	var docs []conversationDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "inbox: decode conversations")
	}
	out := make([]ports.InboxEntry, 0, len(docs))
	for _, doc := range docs {
		out = append(out, ports.InboxEntry{
			ConversationID: doc.ConversationID,
			TaskID:         domain.TaskID(doc.TaskID),
			Status:         doc.Status,
			UpdatedAt:      doc.UpdatedAt,
		})
	}
	return out, nil
}
