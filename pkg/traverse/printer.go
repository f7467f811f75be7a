package traverse

import (
	"bufio"
	"io"
	"iter"
	"strings"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
)

// Printer writes a traversal as an indented text tree, one node per line.
// Synonyms are prefixed with "=" and ranks follow in brackets:
//
//	Pinaceae [family]
//	  Abies Mill. [genus]
//	    Abies alba Mill. [species]
//	      =Abies pectinata DC. [species]
type Printer struct {
	// ByID prints source ids instead of names.
	ByID bool
	// Indent per depth level. Defaults to two spaces.
	Indent string
}

// PrintTree writes every node of seq and returns the first error of either
// the sequence or the writer.
func (p Printer) PrintTree(w io.Writer, seq iter.Seq2[*TreeNode, error]) error {
	indent := p.Indent
	if indent == "" {
		indent = "  "
	}
	bw := bufio.NewWriter(w)
	for n, err := range seq {
		if err != nil {
			bw.Flush()
			return err
		}
		bw.WriteString(strings.Repeat(indent, n.Depth))
		if n.Synonym {
			bw.WriteByte('=')
		}
		if p.ByID {
			bw.WriteString(n.SourceID)
		} else {
			bw.WriteString(n.Label())
		}
		if n.Rank != model.RankNone {
			bw.WriteString(" [")
			bw.WriteString(strings.ToLower(n.Rank.String()))
			bw.WriteByte(']')
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
