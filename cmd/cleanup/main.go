// Cleanup removes old terminal process records, their task rows and any
// leftover queue items. Run it from cron or by hand:
//
//	cleanup -older-than 720h [-status COMPLETED] [-dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/taskmill/taskmill-backend/internal/data/db"
	repos "github.com/taskmill/taskmill-backend/internal/data/repos/process"
	types "github.com/taskmill/taskmill-backend/internal/domain/process"
	"github.com/taskmill/taskmill-backend/internal/pkg/dbctx"
	"github.com/taskmill/taskmill-backend/internal/pkg/logger"
)

func main() {
	var (
		olderThan time.Duration
		status    string
		dryRun    bool
	)
	flag.DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete records whose last update is older than this")
	flag.StringVar(&status, "status", "", "restrict to one terminal status (COMPLETED, FAILED, STOPPED)")
	flag.BoolVar(&dryRun, "dry-run", false, "print what would be deleted without deleting")
	flag.Parse()

	log, err := logger.New("production")
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		fmt.Printf("connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer postgresService.Close()

	statuses := types.TerminalStatuses
	if status != "" {
		if !types.IsTerminal(status) {
			fmt.Printf("status %q is not terminal\n", status)
			os.Exit(1)
		}
		statuses = []string{status}
	}

	ctx := context.Background()
	dbc := dbctx.Context{Ctx: ctx}
	recordRepo := repos.NewRecordRepo(postgresService.DB(), log)
	taskRepo := repos.NewTaskRepo(postgresService.DB(), log)
	scheduledTaskRepo := repos.NewScheduledTaskRepo(postgresService.DB(), log)

	cutoff := time.Now().UTC().Add(-olderThan)
	deleted := 0
	for _, st := range statuses {
		recs, err := recordRepo.FindByStatus(dbc, st)
		if err != nil {
			fmt.Printf("list %s records: %v\n", st, err)
			os.Exit(1)
		}
		for _, rec := range recs {
			if rec.UpdatedAt.After(cutoff) {
				continue
			}
			if dryRun {
				fmt.Printf("[dry-run] delete record=%s status=%s updated_at=%s\n", rec.ID, rec.CurrentStatus, rec.UpdatedAt.Format(time.RFC3339))
				continue
			}
			ok, err := purgeRecord(dbc, recordRepo, taskRepo, scheduledTaskRepo, rec.ID)
			if err != nil {
				fmt.Printf("delete record %s: %v\n", rec.ID, err)
				os.Exit(1)
			}
			if ok {
				deleted++
			}
		}
	}
	fmt.Printf("done: %d records deleted (cutoff %s)\n", deleted, cutoff.Format(time.RFC3339))
}

// purgeRecord removes one record together with its task rows and any queue
// items its runs left behind (quarantined or not-yet-due work included).
// Returns false when the record is running.
func purgeRecord(dbc dbctx.Context, records repos.RecordRepo, tasks repos.TaskRepo, workload repos.ScheduledTaskRepo, recordID string) (bool, error) {
	// Collect run ids before the rows carrying them are gone.
	rows, err := tasks.ListByRecord(dbc, recordID)
	if err != nil {
		return false, err
	}
	ok, err := records.DeleteUnlessRunning(dbc, recordID)
	if err != nil || !ok {
		return ok, err
	}
	for _, runID := range runIDs(rows) {
		// Matches both the run's process-step item (instance == run id) and
		// its cli-task items (instance == "<run id>-task-<n>").
		if _, err := workload.DeleteByInstancePrefix(dbc, runID); err != nil {
			return true, err
		}
	}
	if _, err := tasks.DeleteByRecord(dbc, recordID); err != nil {
		return true, err
	}
	return true, nil
}

// runIDs collects the distinct run ids behind a record's task rows by
// stripping the "-task-<n>" suffix.
func runIDs(rows []*types.TaskRow) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range rows {
		id := row.ID
		if i := strings.LastIndex(id, "-task-"); i > 0 {
			id = id[:i]
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
