package postpone_test

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/postpone-queue/postpone"
)

func ExampleManager() {
	// Create a manager backed by the in-memory store. Production
	// deployments pass a persistent store via postpone.SetStore.
	m := postpone.New()
	defer m.Close()

	ctx := context.Background()

	// Defer a job for later processing.
	args, _ := json.Marshal(map[string]string{"url": "https://example.com"})
	job := &postpone.Job{TaskName: "crawl", Args: args}
	id, err := m.Defer(ctx, job)
	if err != nil {
		fmt.Println("Defer failed")
		return
	}
	fmt.Printf("Job %d deferred\n", id)

	// A worker claims the job...
	claimed, err := m.Fetch(ctx)
	if err != nil || claimed == nil {
		fmt.Println("Fetch failed")
		return
	}
	fmt.Printf("Processing %s (attempt %d)\n", claimed.TaskName, claimed.Attempts)

	// ...executes it, and reports the outcome.
	if err := m.Finish(ctx, claimed, postpone.StatusSucceeded); err != nil {
		fmt.Println("Finish failed")
		return
	}
	fmt.Printf("Job %d %s\n", claimed.ID, claimed.Status)

	// Output:
	// Job 1 deferred
	// Processing crawl (attempt 1)
	// Job 1 succeeded
}
