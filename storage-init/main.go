package main

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"prism-board/board-api/storage"
	"prism-board/internal/config"
)

func main() {
	config.ConfigureLogging()

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	itemsTable := os.Getenv("ITEMS_TABLE")
	membersTable := os.Getenv("MEMBERS_TABLE")
	if itemsTable == "" || membersTable == "" {
		log.Fatal("ITEMS_TABLE and MEMBERS_TABLE must be set")
	}

	ctx := context.Background()
	tables, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		log.Fatalf("table service client: %v", err)
	}
	for _, name := range []string{itemsTable, membersTable} {
		err := ensure(ctx, "table", name, string(aztables.TableAlreadyExists), func(ctx context.Context) error {
			_, err := tables.NewClient(name).CreateTable(ctx, nil)
			return err
		})
		if err != nil {
			log.Fatalf("create table %s: %v", name, err)
		}
	}

	// The fallback queue is optional in board-api too.
	if eventsQueue := os.Getenv("BOARD_EVENTS_QUEUE"); eventsQueue != "" {
		queue, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, nil)
		if err != nil {
			log.Fatalf("queue client: %v", err)
		}
		err = ensure(ctx, "queue", eventsQueue, "QueueAlreadyExists", func(ctx context.Context) error {
			_, err := queue.Create(ctx, nil)
			return err
		})
		if err != nil {
			log.Fatalf("create queue %s: %v", eventsQueue, err)
		}
	}

	if board := os.Getenv("SEED_BOARD_ID"); board != "" {
		store, err := storage.New(connStr, itemsTable, membersTable)
		if err != nil {
			log.Fatalf("board storage: %v", err)
		}
		users, err := seedUsers()
		if err != nil {
			log.Fatalf("seed members: %v", err)
		}
		for _, user := range users {
			if err := store.AddMember(ctx, board, user, "editor"); err != nil {
				log.Fatalf("seed member %s: %v", user, err)
			}
		}
		log.WithFields(log.Fields{"board": board, "members": len(users)}).Info("members seeded")
	}
	log.Info("storage ready")
}

// ensure runs create and treats the service's already-exists code as success.
func ensure(ctx context.Context, kind, name, existsCode string, create func(context.Context) error) error {
	err := create(ctx)
	var respErr *azcore.ResponseError
	switch {
	case err == nil:
		log.WithField(kind, name).Info("created")
	case errors.As(err, &respErr) && respErr.ErrorCode == existsCode:
		log.WithField(kind, name).Debug("already exists")
	default:
		return err
	}
	return nil
}

// seedUsers reads SEED_MEMBERS, or the file tools/gen-token -members wrote when
// SEED_MEMBERS_FILE is set.
func seedUsers() ([]string, error) {
	raw := os.Getenv("SEED_MEMBERS")
	if path := os.Getenv("SEED_MEMBERS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	var users []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		return nil, errors.New("SEED_BOARD_ID set without SEED_MEMBERS or SEED_MEMBERS_FILE")
	}
	return users, nil
}
