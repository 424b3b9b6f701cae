// Command dbee_cli is an interactive shell over an embedded dbee database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/d-bee/dbee/config"
	"github.com/d-bee/dbee/core/engine"
	"github.com/d-bee/dbee/core/index/btree"
	"github.com/d-bee/dbee/core/transaction"
	"github.com/d-bee/dbee/pkg/logger"
)

const defaultIndex = "default"

const helpText = `Commands:
  put <key> <value>        store a value (auto-commit unless in a transaction)
  get <key>                read a value
  del <key>                delete a key
  scan [from] [to]         list keys in [from, to), both bounds optional
  begin                    start an explicit transaction
  commit                   commit the current transaction
  abort                    roll back the current transaction
  create index <name>      create a named index
  drop index <name>        drop a named index
  use <name>               switch the active index
  indexes                  list indexes
  checkpoint               force a checkpoint and log truncation
  stats                    show buffer pool counters
  help                     show this message
  exit                     close the database and quit`

type shell struct {
	db    *engine.DB
	txn   *transaction.Transaction
	index string
}

func main() {
	var (
		dataDir    = flag.String("data-dir", "data", "directory holding the database files")
		configPath = flag.String("config", "", "optional YAML config file; overrides -data-dir")
	)
	flag.Parse()

	cfg := config.Default(*dataDir)
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := engine.Open(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}

	sh := &shell{db: db, index: defaultIndex}
	sh.ensureDefaultIndex()

	rl, err := readline.New("dbee> ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Println("dbee interactive shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if !sh.dispatch(strings.TrimSpace(line)) {
			break
		}
	}

	if sh.txn != nil {
		fmt.Println("aborting open transaction")
		db.Abort(sh.txn)
	}
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close failed: %v\n", err)
		os.Exit(1)
	}
}

func (sh *shell) ensureDefaultIndex() {
	err := sh.db.CreateIndex(context.Background(), defaultIndex)
	if err != nil && !errors.Is(err, engine.ErrIndexExists) {
		fmt.Fprintf(os.Stderr, "failed to create default index: %v\n", err)
		os.Exit(1)
	}
}

// dispatch runs one command line; it returns false when the shell should exit.
func (sh *shell) dispatch(line string) bool {
	if line == "" {
		return true
	}
	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]
	ctx := context.Background()

	switch cmd {
	case "exit", "quit":
		return false
	case "help":
		fmt.Println(helpText)
	case "put":
		if len(args) < 2 {
			fmt.Println("usage: put <key> <value>")
			return true
		}
		value := strings.Join(args[1:], " ")
		sh.run(func(txn *transaction.Transaction) error {
			return sh.db.Upsert(ctx, txn, sh.index, []byte(args[0]), []byte(value))
		}, "OK")
	case "get":
		if len(args) != 1 {
			fmt.Println("usage: get <key>")
			return true
		}
		sh.runGet(ctx, args[0])
	case "del":
		if len(args) != 1 {
			fmt.Println("usage: del <key>")
			return true
		}
		sh.run(func(txn *transaction.Transaction) error {
			return sh.db.Delete(ctx, txn, sh.index, []byte(args[0]))
		}, "OK")
	case "scan":
		sh.runScan(ctx, args)
	case "begin":
		if sh.txn != nil {
			fmt.Println("error: transaction already open")
			return true
		}
		txn, err := sh.db.Begin()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		sh.txn = txn
		fmt.Printf("BEGIN txn %d\n", txn.ID())
	case "commit":
		if sh.txn == nil {
			fmt.Println("error: no open transaction")
			return true
		}
		if err := sh.db.Commit(sh.txn); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Println("COMMIT")
		}
		sh.txn = nil
	case "abort":
		if sh.txn == nil {
			fmt.Println("error: no open transaction")
			return true
		}
		if err := sh.db.Abort(sh.txn); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Println("ABORT")
		}
		sh.txn = nil
	case "create":
		if len(args) != 2 || strings.ToLower(args[0]) != "index" {
			fmt.Println("usage: create index <name>")
			return true
		}
		if err := sh.db.CreateIndex(ctx, args[1]); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Println("OK")
		}
	case "drop":
		if len(args) != 2 || strings.ToLower(args[0]) != "index" {
			fmt.Println("usage: drop index <name>")
			return true
		}
		if err := sh.db.DropIndex(ctx, args[1]); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Println("OK")
		}
	case "use":
		if len(args) != 1 {
			fmt.Println("usage: use <name>")
			return true
		}
		sh.index = args[0]
		fmt.Printf("using index %q\n", sh.index)
	case "indexes":
		for _, name := range sh.db.Indexes() {
			fmt.Println(name)
		}
	case "checkpoint":
		if err := sh.db.Checkpoint(ctx); err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Println("OK")
		}
	case "stats":
		st := sh.db.Stats()
		fmt.Printf("buffer pool: hits=%d misses=%d evictions=%d\n", st.Hits, st.Misses, st.Evictions)
	default:
		fmt.Printf("unknown command %q, try 'help'\n", cmd)
	}
	return true
}

// run executes op inside the open transaction if there is one, otherwise in
// an auto-committed transaction of its own.
func (sh *shell) run(op func(*transaction.Transaction) error, okMsg string) {
	if sh.txn != nil {
		if err := op(sh.txn); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println(okMsg)
		return
	}
	txn, err := sh.db.Begin()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if err := op(txn); err != nil {
		sh.db.Abort(txn)
		fmt.Printf("error: %v\n", err)
		return
	}
	if err := sh.db.Commit(txn); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println(okMsg)
}

func (sh *shell) runGet(ctx context.Context, key string) {
	op := func(txn *transaction.Transaction) error {
		value, err := sh.db.Lookup(ctx, txn, sh.index, []byte(key))
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", value)
		return nil
	}
	if sh.txn != nil {
		if err := op(sh.txn); err != nil {
			sh.printLookupErr(err)
		}
		return
	}
	txn, err := sh.db.Begin()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if err := op(txn); err != nil {
		sh.db.Abort(txn)
		sh.printLookupErr(err)
		return
	}
	sh.db.Commit(txn)
}

func (sh *shell) printLookupErr(err error) {
	if errors.Is(err, btree.ErrKeyNotFound) {
		fmt.Println("(not found)")
		return
	}
	fmt.Printf("error: %v\n", err)
}

func (sh *shell) runScan(ctx context.Context, args []string) {
	var from, to []byte
	if len(args) > 0 {
		from = []byte(args[0])
	}
	if len(args) > 1 {
		to = []byte(args[1])
	}
	count := 0
	op := func(txn *transaction.Transaction) error {
		return sh.db.Scan(ctx, txn, sh.index, from, to, func(key, value []byte) error {
			fmt.Printf("%s = %s\n", key, value)
			count++
			return nil
		})
	}
	var err error
	if sh.txn != nil {
		err = op(sh.txn)
	} else {
		txn, berr := sh.db.Begin()
		if berr != nil {
			fmt.Printf("error: %v\n", berr)
			return
		}
		err = op(txn)
		if err != nil {
			sh.db.Abort(txn)
		} else {
			sh.db.Commit(txn)
		}
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("(%d keys)\n", count)
}
