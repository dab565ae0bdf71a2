package metadata

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lockbox/lockbox/internal/mongox"
	"github.com/lockbox/lockbox/internal/uid"
)

// TestMongoStore runs against a live deployment when LOCKBOX_TEST_MONGO_URI
// is set.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("LOCKBOX_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("LOCKBOX_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := mongox.Connect(ctx, uri, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	runStoreTests(t, func(t *testing.T) Store {
		db := "lockbox_test_" + uid.New()[16:]
		s, err := NewMongoStore(ctx, client, db, "fs", false)
		if err != nil {
			t.Fatalf("NewMongoStore: %v", err)
		}
		t.Cleanup(func() { client.Database(db).Drop(context.Background()) })
		return s
	})
}
