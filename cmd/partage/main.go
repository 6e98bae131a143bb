// Command partage is a CLI driver for the local-first, end-to-end-encrypted
// shared ledger: identity setup, group lifecycle, entries, balances and
// settlement, invites, and sync, plus a REST facade over an open group.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/mpizenberg/partage/internal/api"
	"github.com/mpizenberg/partage/internal/core"
	"github.com/mpizenberg/partage/internal/invite"
	"github.com/mpizenberg/partage/pkg/crypto"
	"github.com/mpizenberg/partage/pkg/partage"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "init":
		cmdInit(args)
	case "create-group":
		cmdCreateGroup(args)
	case "list-groups":
		cmdListGroups(args)
	case "add", "list", "modify", "delete", "undelete", "balances", "activities", "settlement", "push", "pull":
		runWithEngine(cmd, args)
	case "invite":
		cmdInvite(args)
	case "join":
		cmdJoin(args)
	case "pending-joins":
		cmdPendingJoins(args)
	case "approve-join":
		cmdApproveJoin(args)
	case "serve":
		cmdServe(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`partage - Local-first, end-to-end-encrypted shared expense ledger

Usage: partage <command> [options]

Setup:
  partage init
  partage create-group --name "Ski trip" --as Alice

Ledger (all take --group <id>):
  partage add --group <id> --amount 12.50 --payer <id> --beneficiary <id> [--type expense] [--currency USD] [--description "..."]
  partage list --group <id>
  partage modify --group <id> --entry <id> [--amount 20] [--description "..."]
  partage delete --group <id> --entry <id> --actor <id> [--reason "..."]
  partage undelete --group <id> --entry <id> --actor <id>
  partage balances --group <id>
  partage activities --group <id>
  partage settlement --group <id>

Invites (spec §4.10):
  partage invite --group <id>
  partage join <invite-link> --as Alice
  partage pending-joins --group <id>
  partage approve-join --group <id> --requester <hash>

Sync:
  partage push --group <id>
  partage pull --group <id>

Server:
  partage serve --port 8080

Global flags (checked before subcommand flags): --data <dir> (default ~/.partage), --relay <url>`)
}

// dataDir peeks at args for --data before the subcommand's own FlagSet
// consumes them, mirroring the teacher's same pre-scan for its data
// directory flag.
func dataDir(args []string) string {
	for i, arg := range args {
		if arg == "--data" && i+1 < len(args) {
			return args[i+1]
		}
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".partage")
}

func relayURL(args []string) string {
	for i, arg := range args {
		if arg == "--relay" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func unlockIdentity(dir string) *crypto.Identity {
	store := crypto.NewFileIdentityStore(dir)
	if !store.IsInitialized() {
		fmt.Fprintln(os.Stderr, "No identity found. Run `partage init` first.")
		os.Exit(1)
	}
	fmt.Print("Enter passphrase: ")
	pass, err := readPassword()
	fmt.Println()
	if err != nil {
		log.Fatalf("read passphrase: %v", err)
	}
	identity, err := store.Unlock(pass)
	if err != nil {
		log.Fatalf("unlock identity: %v", err)
	}
	return identity
}

func openEngine(args []string) partage.Engine {
	dir := dataDir(args)
	identity := unlockIdentity(dir)
	e, err := partage.New(partage.Config{DataDir: filepath.Join(dir, "partage.db"), Identity: identity, RelayURL: relayURL(args)})
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	return e
}

func cmdInit(args []string) {
	dir := dataDir(args)
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	store := crypto.NewFileIdentityStore(dir)
	if store.IsInitialized() {
		fmt.Println("Identity already initialized.")
		return
	}

	fmt.Print("Enter new passphrase: ")
	pass1, err := readPassword()
	fmt.Println()
	if err != nil {
		log.Fatalf("read passphrase: %v", err)
	}
	fmt.Print("Confirm passphrase: ")
	pass2, err := readPassword()
	fmt.Println()
	if err != nil {
		log.Fatalf("read passphrase: %v", err)
	}
	if string(pass1) != string(pass2) {
		fmt.Fprintln(os.Stderr, "Passphrases do not match.")
		os.Exit(1)
	}

	identity, err := store.Initialize(pass1)
	if err != nil {
		log.Fatalf("initialize identity: %v", err)
	}
	fmt.Printf("Identity initialized at %s (member id: %s)\n", dir, crypto.PublicKeyHashOf(identity))
}

func cmdCreateGroup(args []string) {
	fs := flag.NewFlagSet("create-group", flag.ExitOnError)
	name := fs.String("name", "", "Group display name")
	as := fs.String("as", "", "Your display name within the group")
	fs.Parse(args)

	if *name == "" || *as == "" {
		fmt.Fprintln(os.Stderr, "Usage: partage create-group --name <name> --as <your-display-name>")
		os.Exit(1)
	}

	e := openEngine(args)
	defer e.Close()

	groupID, err := e.CreateGroup(*name, *as)
	if err != nil {
		log.Fatalf("create group: %v", err)
	}
	fmt.Printf("Created group %s (%s)\n", *name, groupID)
}

func cmdListGroups(args []string) {
	e := openEngine(args)
	defer e.Close()

	groups, err := e.ListGroups()
	if err != nil {
		log.Fatalf("list groups: %v", err)
	}
	if len(groups) == 0 {
		fmt.Println("No groups found.")
		return
	}
	for _, g := range groups {
		fmt.Printf("%s  %-20s  key v%d\n", g.ID, g.Name, g.CurrentKeyVersion)
	}
}

// runWithEngine opens the engine and the requested group, then dispatches to
// the matching cmdX, which owns its own flat FlagSet (including --group)
// exactly as the teacher's cmdAdd/cmdList/... each own their FlagSet.
func runWithEngine(cmd string, args []string) {
	e := openEngine(args)
	defer e.Close()

	switch cmd {
	case "add":
		cmdAdd(e, args)
	case "list":
		cmdList(e, args)
	case "modify":
		cmdModify(e, args)
	case "delete":
		cmdDelete(e, args)
	case "undelete":
		cmdUndelete(e, args)
	case "balances":
		cmdBalances(e, args)
	case "activities":
		cmdActivities(e, args)
	case "settlement":
		cmdSettlement(e, args)
	case "push":
		fs := flag.NewFlagSet("push", flag.ExitOnError)
		groupID := fs.String("group", "", "Group id")
		fs.Parse(args)
		mustOpenGroup(e, *groupID)
		if err := e.Push(context.Background(), *groupID); err != nil {
			log.Fatalf("push: %v", err)
		}
		fmt.Println("Pushed.")
	case "pull":
		fs := flag.NewFlagSet("pull", flag.ExitOnError)
		groupID := fs.String("group", "", "Group id")
		fs.Parse(args)
		mustOpenGroup(e, *groupID)
		if err := e.Pull(context.Background(), *groupID); err != nil {
			log.Fatalf("pull: %v", err)
		}
		fmt.Println("Pulled.")
	}
}

func cmdAdd(e partage.Engine, args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	typeStr := fs.String("type", string(core.EntryTypeExpense), "Entry type")
	amount := fs.Float64("amount", 0, "Amount")
	currency := fs.String("currency", "USD", "Currency code")
	payer := fs.String("payer", "", "Paying member id")
	beneficiary := fs.String("beneficiary", "", "Benefiting member id")
	description := fs.String("description", "", "Free-text description")
	fs.Parse(args)
	mustOpenGroup(e, *groupID)

	payerID := core.MemberID(*payer)
	entry := core.Entry{
		Type:          core.EntryType(*typeStr),
		Amount:        *amount,
		Currency:      *currency,
		Description:   *description,
		CreatedBy:     payerID,
		Payers:        []core.Payer{{MemberID: payerID, Amount: *amount}},
		Beneficiaries: []core.Beneficiary{{MemberID: core.MemberID(*beneficiary), SplitType: core.SplitShares, Shares: 1}},
	}
	created, err := e.AddEntry(*groupID, entry)
	if err != nil {
		log.Fatalf("add entry: %v", err)
	}
	printJSON(created)
}

func cmdList(e partage.Engine, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	fs.Parse(args)
	mustOpenGroup(e, *groupID)

	entries, err := e.ListEntries(*groupID)
	if err != nil {
		log.Fatalf("list entries: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No entries.")
		return
	}
	for _, entry := range entries {
		fmt.Printf("%s  %-8s  %.2f %s\n", entry.ID, entry.Type, entry.Amount, entry.Currency)
	}
}

func cmdModify(e partage.Engine, args []string) {
	fs := flag.NewFlagSet("modify", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	entryID := fs.String("entry", "", "Entry id")
	amount := fs.Float64("amount", 0, "New amount (0 to leave unchanged)")
	description := fs.String("description", "", "New description (empty to leave unchanged)")
	fs.Parse(args)
	mustOpenGroup(e, *groupID)

	if *entryID == "" {
		fmt.Fprintln(os.Stderr, "--entry <id> is required")
		os.Exit(1)
	}

	// ModifyEntry replaces the whole entry row, so start from the current
	// content rather than a bare struct with only the changed field.
	entries, err := e.ListEntries(*groupID)
	if err != nil {
		log.Fatalf("list entries: %v", err)
	}
	var current core.Entry
	found := false
	for _, entry := range entries {
		if entry.ID == *entryID {
			current = entry
			found = true
			break
		}
	}
	if !found {
		log.Fatalf("entry %s not found or not active", *entryID)
	}

	if *amount != 0 {
		current.Amount = *amount
	}
	if *description != "" {
		current.Description = *description
	}

	modified, err := e.ModifyEntry(*groupID, *entryID, current)
	if err != nil {
		log.Fatalf("modify entry: %v", err)
	}
	printJSON(modified)
}

func cmdDelete(e partage.Engine, args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	entryID := fs.String("entry", "", "Entry id")
	actor := fs.String("actor", "", "Acting member id")
	reason := fs.String("reason", "", "Reason for deletion")
	fs.Parse(args)
	mustOpenGroup(e, *groupID)

	deleted, err := e.DeleteEntry(*groupID, *entryID, core.MemberID(*actor), *reason)
	if err != nil {
		log.Fatalf("delete entry: %v", err)
	}
	printJSON(deleted)
}

func cmdUndelete(e partage.Engine, args []string) {
	fs := flag.NewFlagSet("undelete", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	entryID := fs.String("entry", "", "Entry id")
	actor := fs.String("actor", "", "Acting member id")
	fs.Parse(args)
	mustOpenGroup(e, *groupID)

	undeleted, err := e.UndeleteEntry(*groupID, *entryID, core.MemberID(*actor))
	if err != nil {
		log.Fatalf("undelete entry: %v", err)
	}
	printJSON(undeleted)
}

func cmdBalances(e partage.Engine, args []string) {
	fs := flag.NewFlagSet("balances", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	fs.Parse(args)
	mustOpenGroup(e, *groupID)

	balances, err := e.Balances(*groupID)
	if err != nil {
		log.Fatalf("balances: %v", err)
	}
	printJSON(balances)
}

func cmdActivities(e partage.Engine, args []string) {
	fs := flag.NewFlagSet("activities", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	fs.Parse(args)
	mustOpenGroup(e, *groupID)

	activities, err := e.Activities(*groupID)
	if err != nil {
		log.Fatalf("activities: %v", err)
	}
	printJSON(activities)
}

func cmdSettlement(e partage.Engine, args []string) {
	fs := flag.NewFlagSet("settlement", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	fs.Parse(args)
	mustOpenGroup(e, *groupID)

	plan, err := e.SettlementPlan(*groupID)
	if err != nil {
		log.Fatalf("settlement plan: %v", err)
	}
	printJSON(plan)
}

// mustOpenGroup validates --group was given and opens the local session for
// it before the caller touches the ledger.
func mustOpenGroup(e partage.Engine, groupID string) {
	if groupID == "" {
		fmt.Fprintln(os.Stderr, "--group <id> is required")
		os.Exit(1)
	}
	if err := e.OpenGroup(groupID); err != nil {
		log.Fatalf("open group: %v", err)
	}
}

func cmdInvite(args []string) {
	fs := flag.NewFlagSet("invite", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	fs.Parse(args)

	if *groupID == "" {
		fmt.Fprintln(os.Stderr, "--group <id> is required")
		os.Exit(1)
	}

	e := openEngine(args)
	defer e.Close()

	link, err := e.CreateInvite(*groupID)
	if err != nil {
		log.Fatalf("create invite: %v", err)
	}

	origin := relayURL(args)
	encoded, err := link.Encode(origin)
	if err != nil {
		log.Fatalf("encode invite: %v", err)
	}
	fmt.Println(encoded)

	if qr, err := link.ToQRString(origin); err == nil {
		fmt.Println(qr)
	}
}

func cmdJoin(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: partage join <invite-link> --as <your-display-name> [--data <dir>] [--relay <url>]")
		os.Exit(1)
	}
	linkURL := args[0]
	rest := args[1:]

	fs := flag.NewFlagSet("join", flag.ExitOnError)
	as := fs.String("as", "", "Your display name within the group")
	fs.Parse(rest)

	if *as == "" {
		fmt.Fprintln(os.Stderr, "--as <your-display-name> is required")
		os.Exit(1)
	}

	link, err := invite.ParseLink(linkURL)
	if err != nil {
		log.Fatalf("parse invite: %v", err)
	}

	e := openEngine(rest)
	defer e.Close()

	ctx := context.Background()
	if err := e.RequestJoin(ctx, link, *as); err != nil {
		log.Fatalf("request join: %v", err)
	}
	fmt.Println("Join request sent. Waiting for approval...")

	if err := e.AwaitGroupKeys(ctx, link.GroupID); err != nil {
		log.Fatalf("await group keys: %v", err)
	}
	fmt.Printf("Joined group %s.\n", link.GroupID)
}

func cmdPendingJoins(args []string) {
	fs := flag.NewFlagSet("pending-joins", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	fs.Parse(args)

	e := openEngine(args)
	defer e.Close()

	requests, err := e.PendingJoinRequests(context.Background(), *groupID)
	if err != nil {
		log.Fatalf("pending join requests: %v", err)
	}
	if len(requests) == 0 {
		fmt.Println("No pending join requests.")
		return
	}
	for _, r := range requests {
		fmt.Printf("%s  %s\n", r.RequesterPublicKeyHash, r.RequesterName)
	}
}

func cmdApproveJoin(args []string) {
	fs := flag.NewFlagSet("approve-join", flag.ExitOnError)
	groupID := fs.String("group", "", "Group id")
	requester := fs.String("requester", "", "Requester's public key hash")
	fs.Parse(args)

	if *groupID == "" || *requester == "" {
		fmt.Fprintln(os.Stderr, "Usage: partage approve-join --group <id> --requester <hash>")
		os.Exit(1)
	}
	requesterHash := core.MemberID(*requester)

	e := openEngine(args)
	defer e.Close()

	ctx := context.Background()
	requests, err := e.PendingJoinRequests(ctx, *groupID)
	if err != nil {
		log.Fatalf("pending join requests: %v", err)
	}
	var match *invite.JoinRequest
	for i := range requests {
		if requests[i].RequesterPublicKeyHash == requesterHash {
			match = &requests[i]
			break
		}
	}
	if match == nil {
		log.Fatalf("no pending join request from %s", requesterHash)
	}

	if err := e.ApproveJoin(ctx, *groupID, *match); err != nil {
		log.Fatalf("approve join: %v", err)
	}
	fmt.Printf("Approved %s.\n", match.RequesterName)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", "8080", "Listen port")
	fs.Parse(args)

	e := openEngine(args)
	defer e.Close()

	server := api.New(e)
	fmt.Printf("Starting API server on http://localhost:%s\n", *port)
	fmt.Println("  GET    /groups/:id/entries")
	fmt.Println("  POST   /groups/:id/entries")
	fmt.Println("  PUT    /groups/:id/entries/:entryId")
	fmt.Println("  DELETE /groups/:id/entries/:entryId")
	fmt.Println("  POST   /groups/:id/entries/:entryId/undelete")
	fmt.Println("  GET    /groups/:id/balances")
	fmt.Println("  GET    /groups/:id/activities")
	fmt.Println("  GET    /groups/:id/settlement")
	fmt.Println("  GET    /groups/:id/status")
	fmt.Println("  GET    /groups/:id/events (SSE)")

	if err := server.ListenAndServe(":" + *port); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encode output: %v", err)
	}
	fmt.Println(string(out))
}

func readPassword() ([]byte, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		var password string
		fmt.Scanln(&password)
		return []byte(password), nil
	}
	return term.ReadPassword(fd)
}
