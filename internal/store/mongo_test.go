package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/signagehq/voicerelay/internal/tenant"
)

func TestNormalizeMongoDocument(t *testing.T) {
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	oid := primitive.NewObjectID()

	doc := toDocument(bson.M{
		"_id":          oid,
		"brandName":    "Salong Lugn",
		"businessType": bson.A{"Frisör"},
		"styleProfile": bson.D{{Key: "summary", Value: "Lugnt och stilrent"}},
		"mediaLibrary": bson.A{
			bson.M{"name": "salong.jpg", "createdAt": primitive.NewDateTimeFromTime(created)},
		},
	})

	assert.Equal(t, oid.Hex(), doc["_id"])

	c := tenant.FromDocument("org-1", doc, nil)
	assert.Equal(t, "Salong Lugn", c.DisplayName)
	assert.Equal(t, []string{"Frisör"}, c.BusinessTypes)
	assert.Equal(t, "Lugnt och stilrent", c.StyleSummary)
	require.Len(t, c.RecentMedia, 1)
	assert.True(t, c.RecentMedia[0].CreatedAt.Equal(created))
}
