package unitdag

import (
	"fmt"
	"os"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/obylite/obylite/ledger"
	"github.com/obylite/obylite/util"
)

var (
	fontsizeAttribute    = graph.VertexAttribute("fontsize", "10")
	simpleNodeAttributes = []func(*graph.VertexProperties){
		fontsizeAttribute,
		graph.VertexAttribute("colorscheme", "blues3"),
		graph.VertexAttribute("style", "filled"),
		graph.VertexAttribute("color", "2"),
		graph.VertexAttribute("fillcolor", "1"),
	}
	mainChainNodeAttributes = []func(*graph.VertexProperties){
		fontsizeAttribute,
		graph.VertexAttribute("colorscheme", "paired9"),
		graph.VertexAttribute("style", "filled"),
		graph.VertexAttribute("color", "9"),
		graph.VertexAttribute("fillcolor", "3"),
	}
	finalBadNodeAttributes = []func(*graph.VertexProperties){
		fontsizeAttribute,
		graph.VertexAttribute("colorscheme", "bugn9"),
		graph.VertexAttribute("style", "filled"),
		graph.VertexAttribute("color", "9"),
		graph.VertexAttribute("fillcolor", "1"),
	}
)

func (d *UnitDAG) makeGraphNode(v *Vertex, gr graph.Graph[string, string]) {
	id := v.ID.StringHex()[:8]
	base := simpleNodeAttributes
	switch {
	case v.GetSequence() == ledger.SequenceFinalBad:
		base = finalBadNodeAttributes
	case v.IsOnMainChain():
		base = mainChainNodeAttributes
	}
	attr := make([]func(*graph.VertexProperties), len(base))
	copy(attr, base)
	if mci, has := v.GetMCI(); has {
		label := fmt.Sprintf("mci=%d", mci)
		if v.IsStable() {
			label += " stable"
		}
		attr = append(attr, graph.VertexAttribute("xlabel", label))
	}
	err := gr.AddVertex(id, attr...)
	util.AssertNoError(err)
}

// SaveGraph saves the in-memory DAG as a DOT file. Main chain units are
// highlighted, final-bad ones are dimmed. Debugging and post-mortem tool
func (d *UnitDAG) SaveGraph(fname string) {
	gr := graph.New(graph.StringHash, graph.Directed(), graph.Acyclic())
	vertices := d.Vertices()
	for _, v := range vertices {
		d.makeGraphNode(v, gr)
	}
	for _, v := range vertices {
		for _, pid := range v.Unit.ParentIDs {
			err := gr.AddEdge(v.ID.StringHex()[:8], pid.StringHex()[:8])
			if err != nil {
				// the parent may have been evicted from memory, skip the edge
				continue
			}
		}
	}
	dotFile, _ := os.Create(fname + ".gv")
	err := draw.DOT(gr, dotFile)
	util.AssertNoError(err)
	_ = dotFile.Close()
}
