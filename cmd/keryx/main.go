// Command keryx operates on key event logs: generating inceptions,
// replaying stored logs into key state, and verifying exported logs
// offline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/trustframe/keryx/pkg/config"
	"github.com/trustframe/keryx/pkg/crypto"
	"github.com/trustframe/keryx/pkg/event"
	"github.com/trustframe/keryx/pkg/replay"
	"github.com/trustframe/keryx/pkg/state"
	"github.com/trustframe/keryx/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	cfg := config.Load()
	initLogging(cfg.LogLevel, stderr)

	switch args[1] {
	case "incept":
		return runIncept(cfg, args[2:], stdout, stderr)
	case "state":
		return runState(cfg, args[2:], stdout, stderr)
	case "replay":
		return runReplay(cfg, args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: keryx <command> [flags]

Commands:
  incept   generate a key pair and print a signed inception event
  state    print the current key state for an identifier
  replay   fold the stored log for an identifier and print every event
  verify   verify an exported log file offline

Store selection comes from KERYX_STORE / KERYX_STORE_DSN.`)
}

func initLogging(level string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func openStore(cfg *config.Config) (store.KELStore, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	switch cfg.StoreBackend {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := store.OpenPostgres(cfg.StoreDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

// inceptionOutput is what `keryx incept` prints: the signed event plus the
// seed material the controller must keep.
type inceptionOutput struct {
	Event      json.RawMessage          `json:"event"`
	Signatures []event.IndexedSignature `json:"signatures"`
	// CurrentSeed and NextSeed are the base64url ed25519 seeds for the
	// signing key and the pre-committed next key.
	CurrentSeed string `json:"current_seed"`
	NextSeed    string `json:"next_seed"`
	NextKey     string `json:"next_key"`
}

func runIncept(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("incept", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilesDir := fs.String("profiles", "", "directory holding witness_<name>.yaml profiles")
	profileName := fs.String("profile", "", "witness profile to incept with")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	alg, err := cfg.Digest()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	current, err := crypto.NewEd25519Signer(true)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	next, err := crypto.NewEd25519Signer(true)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	b := event.NewBuilder(event.IlkInception).
		WithDigestAlg(alg).
		WithKeys(1, current.KeyPrefix()).
		WithNext(1, next.KeyPrefix())

	if *profileName != "" {
		profile, err := config.LoadWitnessProfile(*profilesDir, *profileName)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		b = b.WithWitnesses(event.Hex(profile.Toad), profile.Witnesses...)
	}

	ev, raw, err := b.Build()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	sig, err := current.Sign(raw)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	out := inceptionOutput{
		Event:       raw,
		Signatures:  []event.IndexedSignature{{Index: 0, Signature: sig}},
		CurrentSeed: current.Seed(),
		NextSeed:    next.Seed(),
		NextKey:     next.KeyPrefix(),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	slog.Info("incepted identifier", "prefix", ev.Prefix)
	return 0
}

func runState(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	prefix := fs.String("prefix", "", "identifier prefix")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *prefix == "" {
		_, _ = fmt.Fprintln(stderr, "state: -prefix is required")
		return 2
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer closeStore()

	ks, err := replay.Rebuild(context.Background(), st, crypto.NewEd25519Verifier(), *prefix)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if ks == nil {
		_, _ = fmt.Fprintf(stderr, "no events for %s\n", *prefix)
		return 1
	}
	return printJSON(stdout, stderr, ks)
}

func runReplay(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	prefix := fs.String("prefix", "", "identifier prefix")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *prefix == "" {
		_, _ = fmt.Fprintln(stderr, "replay: -prefix is required")
		return 2
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer closeStore()

	ctx := context.Background()
	err = st.IterateKEL(ctx, *prefix, func(rec *store.EventRecord) error {
		_, err := fmt.Fprintf(stdout, "%s\n", rec.Raw)
		return err
	})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	ks, err := replay.Rebuild(ctx, st, crypto.NewEd25519Verifier(), *prefix)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if ks == nil {
		_, _ = fmt.Fprintf(stderr, "no events for %s\n", *prefix)
		return 1
	}
	return printJSON(stdout, stderr, ks)
}

// exportedEntry is one line of an exported log: the canonical event bytes
// with the signatures that accepted it.
type exportedEntry struct {
	Event      json.RawMessage          `json:"event"`
	Signatures []event.IndexedSignature `json:"signatures"`
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "exported log file (JSON array of event+signatures entries)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -file is required")
		return 2
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	var entries []exportedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: unparseable log file: %v\n", err)
		return 1
	}

	verifier := crypto.NewEd25519Verifier()
	var ks *state.KeyState
	for i, entry := range entries {
		ev, err := event.Decode(entry.Event)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "entry %d: %v\n", i, err)
			return 1
		}
		raw, err := event.CanonicalBytes(ev)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "entry %d: %v\n", i, err)
			return 1
		}
		next, err := state.Apply(ks, ev, raw, entry.Signatures, verifier, replay.AcceptedResolver{})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "entry %d (sn %d): %v\n", i, uint64(ev.SN), err)
			return 1
		}
		ks = next
	}
	if ks == nil {
		_, _ = fmt.Fprintln(stderr, "verify: empty log")
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "log verified: %d events\n", len(entries))
	return printJSON(stdout, stderr, ks)
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
