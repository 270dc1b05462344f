package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"
)

func trieCmd() *cli.Command {
	return &cli.Command{
		Name:  "trie",
		Usage: "Encode and inspect token tries",
		Commands: []*cli.Command{
			trieEncodeCmd(),
			trieInspectCmd(),
		},
	}
}

func trieEncodeCmd() *cli.Command {
	var vocabPath, outPath string

	return &cli.Command{
		Name:  "encode",
		Usage: "Encode a vocabulary into the binary trie handed to guests",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "vocab", Usage: "tokenizer.json or JSON vocabulary", Destination: &vocabPath, Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .trie file", Destination: &outPath, Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			trie, err := loadTrie(vocabPath)
			if err != nil {
				return err
			}
			f, err := os.Create(outPath) //nolint:gosec // G304: path is operator supplied
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outPath, err)
			}
			n, err := trie.WriteTo(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", outPath, err)
			}
			_, _ = fmt.Fprintf(cmd.Root().Writer, "wrote %s: %d tokens, %d nodes, %d bytes\n", outPath, trie.Len(), trie.NumNodes(), n)
			return nil
		},
	}
}

func trieInspectCmd() *cli.Command {
	var (
		triePath string
		prefix   string
		limit    int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarize a trie or vocabulary and query it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "trie", Aliases: []string{"t"}, Usage: "encoded .trie or vocabulary file", Destination: &triePath, Required: true},
			&cli.StringFlag{Name: "prefix", Usage: "list tokens starting with this text", Destination: &prefix},
			&cli.IntFlag{Name: "limit", Usage: "limit prefix listing (0 = no limit)", Value: 50, Destination: &limit},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			trie, err := loadTrie(triePath)
			if err != nil {
				return err
			}
			w := cmd.Root().Writer
			maxID, ok := trie.MaxID()
			if !ok {
				return errors.New("trie has no tokens")
			}
			_, _ = fmt.Fprintf(w, "tokens:  %d\n", trie.Len())
			_, _ = fmt.Fprintf(w, "nodes:   %d\n", trie.NumNodes())
			_, _ = fmt.Fprintf(w, "max id:  %d\n", maxID)
			_, _ = fmt.Fprintf(w, "encoded: %d bytes\n", trie.EncodedSize())

			if !cmd.IsSet("prefix") {
				return nil
			}
			ids := trie.WithPrefix([]byte(prefix))
			_, _ = fmt.Fprintf(w, "prefix %q: %d tokens\n", prefix, len(ids))
			for i, id := range ids {
				if limit > 0 && i >= limit {
					_, _ = fmt.Fprintf(w, "  ... %d more\n", len(ids)-limit)
					break
				}
				b, _ := trie.TokenBytes(id)
				_, _ = fmt.Fprintf(w, "  %s\t%s\n", strconv.FormatUint(uint64(id), 10), strconv.Quote(string(b)))
			}
			return nil
		},
	}
}
