package schema

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/arkilian/arkidoc/pkg/types"
)

func genFieldType() gopter.Gen {
	return gen.IntRange(int(types.FieldText), int(types.FieldDate)).Map(func(i int) types.FieldType {
		return types.FieldType(i)
	})
}

func TestPromotionLatticeProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("no type promotes to itself", prop.ForAll(
		func(ft types.FieldType) bool {
			return !CanPromote(ft, ft)
		},
		genFieldType(),
	))

	properties.Property("promotion is never reversible", prop.ForAll(
		func(a, b types.FieldType) bool {
			return !(CanPromote(a, b) && CanPromote(b, a))
		},
		genFieldType(), genFieldType(),
	))

	properties.Property("only TEXT and INTEGER are promotable", prop.ForAll(
		func(a, b types.FieldType) bool {
			if !CanPromote(a, b) {
				return true
			}
			return a == types.FieldText || (a == types.FieldInteger && b == types.FieldFloat)
		},
		genFieldType(), genFieldType(),
	))

	properties.Property("any sequence of writes ends on a type reachable from the first", prop.ForAll(
		func(seq []types.FieldType) bool {
			if len(seq) == 0 {
				return true
			}
			current := seq[0]
			promotions := 0
			for _, next := range seq[1:] {
				if CanPromote(current, next) {
					current = next
					promotions++
				}
			}
			// TEXT -> INTEGER -> FLOAT is the longest chain.
			return promotions <= 2
		},
		gen.SliceOf(genFieldType()),
	))

	properties.TestingRun(t)
}
