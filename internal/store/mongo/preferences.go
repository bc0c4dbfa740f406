package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/preference"
)

const defaultPreferencesCollection = "preferences"

type preferenceDocument struct {
	UserID        string    `bson:"user_id"`
	PreferenceKey string    `bson:"preference_key"`
	ApproveCount  int       `bson:"approve_count"`
	RejectCount   int       `bson:"reject_count"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func preferenceToDocument(p domain.LearnedPreference) preferenceDocument {
	return preferenceDocument{
		UserID:        p.UserID,
		PreferenceKey: p.PreferenceKey,
		ApproveCount:  p.ApproveCount,
		RejectCount:   p.RejectCount,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (d preferenceDocument) toPreference() domain.LearnedPreference {
	return domain.LearnedPreference{
		UserID:        d.UserID,
		PreferenceKey: d.PreferenceKey,
		ApproveCount:  d.ApproveCount,
		RejectCount:   d.RejectCount,
		UpdatedAt:     d.UpdatedAt,
	}
}

// PreferenceStore implements preference.Store on a Mongo "preferences"
// collection.
type PreferenceStore struct {
	db         *Database
	collection string
}

// NewPreferenceStore constructs a PreferenceStore, creating its index.
func NewPreferenceStore(db *Database) (*PreferenceStore, error) {
	if db == nil {
		return nil, apperr.New(apperr.ValidationError, "store/mongo: Database is required")
	}
	s := &PreferenceStore{db: db, collection: defaultPreferencesCollection}
	ctx, cancel := db.withTimeout(context.Background())
	defer cancel()
	if _, err := db.collection(s.collection).Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "preference_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: ensure preference index")
	}
	return s, nil
}

var _ preference.Store = (*PreferenceStore)(nil)

func prefFilter(userID, preferenceKey string) bson.M {
	return bson.M{"user_id": userID, "preference_key": preferenceKey}
}

// Get returns the learned preference for userID/preferenceKey.
func (s *PreferenceStore) Get(ctx context.Context, userID, preferenceKey string) (*domain.LearnedPreference, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	var doc preferenceDocument
	if err := s.db.collection(s.collection).FindOne(ctx, prefFilter(userID, preferenceKey)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, apperr.Newf(apperr.NotFound, "store/mongo: preference %s/%s not found", userID, preferenceKey)
		}
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: find preference")
	}
	pref := doc.toPreference()
	return &pref, nil
}

// Upsert stores pref, overwriting any prior record for the same key.
func (s *PreferenceStore) Upsert(ctx context.Context, pref domain.LearnedPreference) error {
	doc := preferenceToDocument(pref)
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": doc}
	_, err := s.db.collection(s.collection).UpdateOne(ctx, prefFilter(pref.UserID, pref.PreferenceKey), update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: upsert preference")
	}
	return nil
}

// Delete removes the preference for userID/preferenceKey, if any.
func (s *PreferenceStore) Delete(ctx context.Context, userID, preferenceKey string) error {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	_, err := s.db.collection(s.collection).DeleteOne(ctx, prefFilter(userID, preferenceKey))
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: delete preference")
	}
	return nil
}

// List returns every learned preference recorded for userID.
func (s *PreferenceStore) List(ctx context.Context, userID string) ([]*domain.LearnedPreference, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.collection(s.collection).Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: list preferences")
	}
	var docs []preferenceDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "store/mongo: decode preferences")
	}
	out := make([]*domain.LearnedPreference, 0, len(docs))
	for _, doc := range docs {
		pref := doc.toPreference()
		out = append(out, &pref)
	}
	return out, nil
}
