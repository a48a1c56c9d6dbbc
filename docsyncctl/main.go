package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"

	"bringyour.com/docsync"
)

const DocsyncCtlVersion = "0.0.1"

func main() {
	usage := `Docsync control.

Usage:
    docsyncctl edit --db=<db> --file=<file> [--doc=<doc>]
    docsyncctl history --db=<db> [--doc=<doc>]
    docsyncctl append --db=<db> --text=<text> [--doc=<doc>]

Options:
    -h --help        Show this screen.
    --version        Show version.
    --db=<db>        Bolt database path.
    --file=<file>    Mirrored file path.
    --doc=<doc>      Document id [default: ].
    --text=<text>    Text to commit as the next document state.
    `

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(opts)
	} else if append_, _ := opts.Bool("append"); append_ {
		appendText(opts)
	} else {
		docopt.PrintHelpAndExit(nil, usage)
	}
}

func docId(opts docopt.Opts) string {
	docId, _ := opts.String("--doc")
	if docId == "" {
		docId = uuid.NewString()
		fmt.Printf("doc id: %s\n", docId)
	}
	return docId
}

func openSession(ctx context.Context, opts docopt.Opts, fileAdapter docsync.FileAdapter) (*docsync.Session, *docsync.BoltPatchStore) {
	dbPath, err := opts.String("--db")
	if err != nil || dbPath == "" {
		panic("No db path provided")
	}
	store, err := docsync.OpenBoltPatchStore(dbPath, docId(opts))
	if err != nil {
		panic(err)
	}
	session, err := docsync.NewSession(ctx, &docsync.SessionConfig{
		Codec:       docsync.NewTextCodec(),
		PatchStore:  store,
		FileAdapter: fileAdapter,
	})
	if err != nil {
		panic(err)
	}
	if err := session.Init(ctx); err != nil {
		panic(err)
	}
	return session, store
}

// edit runs a minimal line repl: every entered line replaces the
// document and commits.
func edit(opts docopt.Opts) {
	ctx := context.Background()

	filePath, err := opts.String("--file")
	if err != nil || filePath == "" {
		panic("No file path provided")
	}
	session, store := openSession(ctx, opts, newOsFileAdapter(filePath))
	defer store.Close()
	defer session.Close()

	session.AddChangeListener(func(doc docsync.Document) {
		fmt.Printf("<- %s\n", doc.String())
	})

	fmt.Println("enter document text, one state per line. ctrl-d to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\n")
		doc, err := docsync.NewTextCodec().FromString(text)
		if err != nil {
			fmt.Printf("error: %s\n", err)
			continue
		}
		if _, err := session.Commit(doc, nil); err != nil {
			fmt.Printf("error: %s\n", err)
		}
	}
}

func history(opts docopt.Opts) {
	ctx := context.Background()
	session, store := openSession(ctx, opts, nil)
	defer store.Close()
	defer session.Close()

	summary, err := session.SummarizeHistory()
	if err != nil {
		panic(err)
	}
	fmt.Println(summary)
}

func appendText(opts docopt.Opts) {
	ctx := context.Background()
	text, err := opts.String("--text")
	if err != nil {
		panic("No text provided")
	}
	session, store := openSession(ctx, opts, nil)
	defer store.Close()
	defer session.Close()

	doc, err := docsync.NewTextCodec().FromString(text)
	if err != nil {
		panic(err)
	}
	patch, err := session.Commit(doc, nil)
	if err != nil {
		panic(err)
	}
	fmt.Printf("committed %s\n", patch.Id)
}
