package subcommands

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	json "github.com/goccy/go-json"
)

// RunTokenize prints the token ids of text, as a table or as JSON.
func RunTokenize(backend Backend, text string, asJSON bool, out io.Writer) error {
	if !asJSON {
		return printTokens(backend, text, out)
	}
	tokens, err := backend.Tokenize(text)
	if err != nil {
		return err
	}
	type row struct {
		ID    int32  `json:"id"`
		Piece string `json:"piece"`
	}
	rows := make([]row, len(tokens))
	for i, t := range tokens {
		rows[i] = row{ID: t.ID, Piece: t.Piece}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func printTokens(backend Backend, text string, out io.Writer) error {
	if text == "" {
		return fmt.Errorf("nothing to tokenize")
	}
	tokens, err := backend.Tokenize(text)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tPIECE")
	for i, t := range tokens {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", i, t.ID, strconv.Quote(t.Piece))
	}
	fmt.Fprintf(tw, "\n%d tokens\n", len(tokens))
	return tw.Flush()
}
