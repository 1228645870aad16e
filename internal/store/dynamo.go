package store

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/guregu/dynamo"
)

// DynamoStore persists records to one DynamoDB table per record kind, with the
// JSON-encoded record stored as an opaque payload attribute.
type DynamoStore struct {
	db     *dynamo.DB
	prefix string
}

type dynamoItem struct {
	ID        string    `dynamo:"id,hash"`
	Payload   string    `dynamo:"payload"`
	UpdatedAt time.Time `dynamo:"updated_at"`
}

// NewDynamoStore builds a store over the shared AWS session. The table for a
// kind is named "<prefix>-<kind>", e.g. "rallylink-prod-servers".
func NewDynamoStore(awsSession *session.Session, prefix, region string) *DynamoStore {
	cfg := aws.NewConfig()
	if strings.TrimSpace(region) != "" {
		cfg = cfg.WithRegion(region)
	}
	return &DynamoStore{
		db:     dynamo.New(awsSession, cfg),
		prefix: strings.TrimSpace(prefix),
	}
}

func (s *DynamoStore) table(kind Kind) dynamo.Table {
	name := string(kind)
	if s.prefix != "" {
		name = s.prefix + "-" + name
	}
	return s.db.Table(name)
}

// Save upserts the record under its id.
func (s *DynamoStore) Save(ctx context.Context, kind Kind, id string, record any) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	item := dynamoItem{ID: id, Payload: string(blob), UpdatedAt: time.Now().UTC()}
	return s.table(kind).Put(item).RunWithContext(ctx)
}

// Delete removes the record under its id; DynamoDB treats absent ids as a no-op.
func (s *DynamoStore) Delete(ctx context.Context, kind Kind, id string) error {
	return s.table(kind).Delete("id", id).RunWithContext(ctx)
}
