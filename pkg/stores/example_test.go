package stores_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/stores"
)

// ExampleSQLiteStore_PutElement demonstrates conditional element publishing.
func ExampleSQLiteStore_PutElement() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	write := engine.ElementWrite{
		Name:     engine.ElementRelease,
		Value:    json.RawMessage(`{"releaseName":"reviews-prod"}`),
		IfAbsent: true,
	}

	first, _ := store.PutElement(ctx, "exec-001", write)
	second, _ := store.PutElement(ctx, "exec-001", write)
	fmt.Println(first, second)
	// Output: true false
}
