package store

import (
	"github.com/arkilian/memlog/internal/chain"
	"github.com/arkilian/memlog/pkg/types"
)

func linkForTest(env *types.Envelope, prev string) {
	chain.Link(env, prev)
}
