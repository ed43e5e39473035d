// Package main provides coreutil, a standalone CLI for inspecting a
// client's local SQLite store without running the full Client: replay
// prints one group's stored membership, fork status, local and remote
// commit logs, and message count from a snapshot, read-only, the way a
// support engineer debugging a stuck conversation would.
//
// Usage:
//
//	coreutil replay -db core.db -group <hex group id>
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mlscore/core/internal/adapters/store/sqlitestore"
	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/pkg/mlog"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error

	switch os.Args[1] {
	case "replay":
		err = runReplay(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "coreutil: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: coreutil replay -db <path> -group <hex group id>")
}

// replayReport is the JSON shape printed to stdout: enough of one group's
// durable state to diagnose a stuck sync or a suspected fork without a
// debugger attached to a running Client.
type replayReport struct {
	GroupID         string                    `json:"group_id"`
	Membership      group.MembershipExtension `json:"membership"`
	IsDMGroup       bool                      `json:"is_dm_group"`
	ForkStatus      group.ForkStatus          `json:"fork_status"`
	LocalCommits    []group.CommitLogEntry    `json:"local_commits"`
	RemoteCommits   []group.CommitLogEntry    `json:"remote_commits"`
	MessageCount    int                       `json:"message_count"`
	LastMessageAtNs int64                     `json:"last_message_at_ns"`
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	dbPath := fs.String("db", "", "path to the SQLite database to replay")
	groupHex := fs.String("group", "", "hex-encoded group id to inspect")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *dbPath == "" || *groupHex == "" {
		usage()

		return fmt.Errorf("replay: -db and -group are required")
	}

	groupID, err := hex.DecodeString(*groupHex)
	if err != nil {
		return fmt.Errorf("replay: decoding -group: %w", err)
	}

	ctx := context.Background()

	conn, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: *dbPath}, mlog.NoneLogger{})
	if err != nil {
		return fmt.Errorf("replay: opening store: %w", err)
	}
	defer conn.Close()

	// A replay never mutates the snapshot it inspects: query_only turns
	// any accidental write path (ON CONFLICT upserts and plain
	// INSERT/UPDATE/DELETE statements alike) into a SQLITE_READONLY error instead of a
	// silent corruption of whatever live state this file still holds.
	if err := conn.SetQueryOnly(ctx, true); err != nil {
		return fmt.Errorf("replay: enabling query_only: %w", err)
	}

	groups := sqlitestore.NewGroupRepository(conn)
	messages := sqlitestore.NewMessageRepository(conn)
	forkStatus := sqlitestore.NewForkStatusRepository(conn)
	localCommits := sqlitestore.NewLocalCommitLogRepository(conn)
	remoteCommits := sqlitestore.NewRemoteCommitLogRepository(conn)

	stored, err := groups.FindByID(ctx, groupID)
	if err != nil {
		return fmt.Errorf("replay: loading group: %w", err)
	}

	if stored == nil {
		return fmt.Errorf("replay: no group %s in %s", *groupHex, *dbPath)
	}

	allMessages, err := messages.ForGroup(ctx, groupID, 0)
	if err != nil {
		return fmt.Errorf("replay: loading messages: %w", err)
	}

	lastAt, err := messages.LastMessageAtNs(ctx, groupID)
	if err != nil {
		return fmt.Errorf("replay: loading last message time: %w", err)
	}

	fork, err := forkStatus.Get(ctx, groupID)
	if err != nil {
		return fmt.Errorf("replay: loading fork status: %w", err)
	}

	local, err := localCommits.ForGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("replay: loading local commit log: %w", err)
	}

	remote, err := remoteCommits.ForGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("replay: loading remote commit log: %w", err)
	}

	report := replayReport{
		GroupID:         *groupHex,
		Membership:      stored.Membership,
		IsDMGroup:       stored.IsDMGroup,
		ForkStatus:      fork,
		LocalCommits:    local,
		RemoteCommits:   remote,
		MessageCount:    len(allMessages),
		LastMessageAtNs: lastAt,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(report)
}
