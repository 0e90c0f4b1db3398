// Package mongosource implements seq.Source over a MongoDB collection of
// committed message documents.
package mongosource

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/alfredjeanlab/runstream/internal/seq"
)

// Default field names of a group message document.
const (
	DefaultStreamField = "groupId"
	DefaultSeqField    = "seq"
)

// Source finds the document with the highest sequence in a stream.
type Source struct {
	coll        *mongo.Collection
	streamField string
	seqField    string
}

var _ seq.Source = (*Source)(nil)

// New returns a Source reading coll. Empty field names fall back to the defaults.
func New(coll *mongo.Collection, streamField, seqField string) *Source {
	if streamField == "" {
		streamField = DefaultStreamField
	}
	if seqField == "" {
		seqField = DefaultSeqField
	}
	return &Source{coll: coll, streamField: streamField, seqField: seqField}
}

// MaxCommitted returns the seq of the newest document for streamID, or 0 when
// the stream has no documents.
func (s *Source) MaxCommitted(ctx context.Context, streamID string) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: s.seqField, Value: -1}}).
		SetProjection(bson.D{{Key: s.seqField, Value: 1}})

	var doc bson.M
	err := s.coll.FindOne(ctx, bson.D{{Key: s.streamField, Value: streamID}}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find max seq for %s: %w", streamID, err)
	}
	return toInt64(doc[s.seqField])
}

// toInt64 accepts the numeric BSON types a driver may have written.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected seq type %T", v)
}
