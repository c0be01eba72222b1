package doc

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"weft/crdt/container"
)

// TestRandomizedConvergence drives several replicas with random edits and
// random partial syncs, and checks that a final full exchange converges
// every container on every replica.
func TestRandomizedConvergence(t *testing.T) {
	const (
		replicas = 3
		rounds   = 40
	)

	rng := rand.New(rand.NewSource(2026))

	docs := make([]*Document, replicas)
	for i := range docs {
		docs[i] = New()
	}

	randomEdit := func(d *Document) error {
		switch rng.Intn(5) {
		case 0:
			text := d.Text("content")
			if n := text.Len(); n > 0 && rng.Intn(3) == 0 {
				pos := rng.Intn(n)
				return text.Delete(pos, 1+rng.Intn(min(3, n-pos)))
			}
			return text.Insert(rng.Intn(text.Len()+1), fmt.Sprintf("w%d", rng.Intn(100)))
		case 1:
			list := d.List("items")
			if n := list.Len(); n > 0 && rng.Intn(3) == 0 {
				return list.Delete(rng.Intn(n), 1)
			}
			return list.Insert(rng.Intn(list.Len()+1), rng.Intn(1000))
		case 2:
			return d.Map("meta").Set(fmt.Sprintf("k%d", rng.Intn(5)), rng.Intn(1000))
		case 3:
			tree := d.Tree("outline")
			children := tree.Children(container.RootTreeNode)
			if len(children) > 0 && rng.Intn(3) == 0 {
				return tree.DeleteNode(children[rng.Intn(len(children))])
			}
			parent := container.RootTreeNode
			if len(children) > 0 && rng.Intn(2) == 0 {
				parent = children[rng.Intn(len(children))]
			}
			_, err := tree.CreateNode(parent)
			return err
		default:
			return d.Counter("votes").Increment(float64(rng.Intn(10) - 5))
		}
	}

	for round := 0; round < rounds; round++ {
		for _, d := range docs {
			for i := 0; i < 1+rng.Intn(3); i++ {
				require.NoError(t, randomEdit(d))
			}
		}

		// Random pairwise partial sync.
		i, j := rng.Intn(replicas), rng.Intn(replicas)
		if i != j {
			sync(t, docs[i], docs[j])
		}
	}

	// Final full mesh exchange.
	for i := range docs {
		for j := range docs {
			if i != j {
				sync(t, docs[i], docs[j])
			}
		}
	}

	ids := []container.ID{
		docs[0].Text("content").ID(),
		docs[0].List("items").ID(),
		docs[0].Map("meta").ID(),
		docs[0].Tree("outline").ID(),
		docs[0].Counter("votes").ID(),
	}
	for i := 1; i < replicas; i++ {
		requireSameDoc(t, docs[0], docs[i], ids...)
	}

	// And a fresh replica built from a snapshot agrees too.
	snap, err := docs[0].ExportSnapshot()
	require.NoError(t, err)
	fresh, err := Open(snap)
	require.NoError(t, err)
	requireSameDoc(t, docs[0], fresh, ids...)
}
