package client_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/openfroyo/kdeploy/pkg/dispatch/client"
)

func TestPipeTransport_CleanupCollectsServeError(t *testing.T) {
	errStopped := errors.New("executor stopped")
	transport := client.NewPipeTransport(func(ctx context.Context, _ io.Reader, _ io.Writer) error {
		<-ctx.Done()
		return errStopped
	})

	for round := 1; round <= 2; round++ {
		stdin, stdout, err := transport.Execute(context.Background(), "")
		if err != nil {
			t.Fatalf("round %d: Execute failed: %v", round, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		start := time.Now()
		err = transport.Cleanup(ctx, "")
		cancel()

		if !errors.Is(err, errStopped) {
			t.Fatalf("round %d: expected the serve error from Cleanup, got %v", round, err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("round %d: Cleanup took %v, expected it to return once serve exits", round, elapsed)
		}
		if _, err := io.ReadAll(stdout); err != nil {
			t.Errorf("round %d: expected stdout to end cleanly, got %v", round, err)
		}
		_ = stdin.Close()
	}

	if err := transport.Cleanup(context.Background(), ""); err != nil {
		t.Errorf("Cleanup without a running executor should be a no-op, got %v", err)
	}
}

func TestPipeTransport_RejectsSecondExecute(t *testing.T) {
	transport := client.NewPipeTransport(func(ctx context.Context, _ io.Reader, _ io.Writer) error {
		<-ctx.Done()
		return nil
	})

	if _, _, err := transport.Execute(context.Background(), ""); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, _, err := transport.Execute(context.Background(), ""); err == nil {
		t.Error("expected an error while the executor is running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := transport.Cleanup(ctx, ""); err != nil {
		t.Errorf("Cleanup failed: %v", err)
	}
}
