package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-push-pipeline/pkg/dispatch"
)

const (
	usersCollection   = "users"
	devicesCollection = "devices"
	// Firestore caps "in" filters at 30 values.
	maxInValues = 30
)

// FirestoreStore keeps device tokens at users/{userID}/devices/{sha256(token)}.
type FirestoreStore struct {
	client *firestore.Client
	now    func() time.Time
}

var _ dispatch.TokenRegistry = (*FirestoreStore)(nil)

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client, now: time.Now}
}

type deviceRecord struct {
	Token      string    `firestore:"token"`
	UserID     string    `firestore:"user_id"`
	DeviceType string    `firestore:"device_type"`
	UpdatedAt  time.Time `firestore:"updated_at"`
}

// RegisterToken upserts the token under its owner. A token previously held
// by another user is removed from that user first.
func (s *FirestoreStore) RegisterToken(ctx context.Context, token dispatch.DeviceToken) error {
	if token.Token == "" || token.UserID == "" {
		return errors.New("token and user id are required")
	}
	if !token.DeviceType.Valid() {
		return fmt.Errorf("unknown device type %q", token.DeviceType)
	}

	owners, err := s.findByTokens(ctx, []string{token.Token})
	if err != nil {
		return err
	}
	for _, ref := range owners {
		if ref.Parent.Parent.ID != token.UserID {
			if _, err := ref.Delete(ctx); err != nil {
				return fmt.Errorf("failed to move token from previous owner: %w", err)
			}
		}
	}

	_, err = s.deviceRef(token.UserID, token.Token).Set(ctx, deviceRecord{
		Token:      token.Token,
		UserID:     token.UserID,
		DeviceType: string(token.DeviceType),
		UpdatedAt:  s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ListTokensForUser(ctx context.Context, userID string) ([]dispatch.DeviceToken, error) {
	iter := s.client.Collection(usersCollection).Doc(userID).Collection(devicesCollection).Documents(ctx)
	defer iter.Stop()

	tokens := make([]dispatch.DeviceToken, 0)
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil || record.Token == "" {
			// Corrupt rows are skipped rather than failing the whole user.
			continue
		}
		tokens = append(tokens, dispatch.DeviceToken{
			Token:      record.Token,
			UserID:     userID,
			DeviceType: dispatch.DeviceType(record.DeviceType),
		})
	}
	return tokens, nil
}

// DeleteTokens finds each token across all users and removes it.
func (s *FirestoreStore) DeleteTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	refs, err := s.findByTokens(ctx, tokens)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for _, ref := range refs {
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete %d of %d tokens: %w", len(errs), len(jobs), errors.Join(errs...))
	}
	return nil
}

func (s *FirestoreStore) findByTokens(ctx context.Context, tokens []string) ([]*firestore.DocumentRef, error) {
	var refs []*firestore.DocumentRef
	for start := 0; start < len(tokens); start += maxInValues {
		end := min(start+maxInValues, len(tokens))
		iter := s.client.CollectionGroup(devicesCollection).
			Where("token", "in", tokens[start:end]).
			Documents(ctx)

		docs, err := iter.GetAll()
		if err != nil {
			return nil, fmt.Errorf("failed to look up tokens: %w", err)
		}
		for _, doc := range docs {
			refs = append(refs, doc.Ref)
		}
	}
	return refs, nil
}

func (s *FirestoreStore) deviceRef(userID, token string) *firestore.DocumentRef {
	return s.client.Collection(usersCollection).Doc(userID).Collection(devicesCollection).Doc(hashToken(token))
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
