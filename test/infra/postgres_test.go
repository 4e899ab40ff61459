package infra

import (
	"context"
	"errors"
	"testing"
)

func TestHarnessClose_TeardownsRunInReverse(t *testing.T) {
	var order []string
	h := &Harness{}
	h.teardowns = append(h.teardowns,
		func(context.Context) error { order = append(order, "drop database"); return nil },
		func(context.Context) error { order = append(order, "drop schema"); return errors.New("already gone") },
	)

	h.Close(context.Background(), t)
	h.Close(context.Background(), t)

	if len(order) != 2 || order[0] != "drop schema" || order[1] != "drop database" {
		t.Fatalf("unexpected teardown order %v", order)
	}
}

func TestConnectFirst_ReportsLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := connectFirst(ctx, []string{"postgres://nobody@127.0.0.1:1/none?sslmode=disable"})
	if err == nil {
		t.Fatal("expected an error from an unreachable database")
	}
}
