package pipeline

import (
	"context"

	"github.com/fruitsalade/assetpipe/internal/asset"
)

// Plugin is the minimum every build plugin implements. The hooks it takes
// part in are declared by also implementing Starter, Transformer, Deleter,
// PostProcessor or Finisher.
type Plugin interface {
	// Name is the plugin's key in per-path settings.
	Name() string
	// Folder reports whether a match on a folder node makes the plugin own
	// the folder's whole subtree.
	Folder() bool
	// Test reports whether the plugin applies to n. It must be cheap and
	// free of side effects; it is called several times per run.
	Test(n *asset.Node, p *Pipeline, opts asset.Settings) bool
}

// Starter is notified once before any node is processed.
type Starter interface {
	Start(ctx context.Context, tree *asset.Tree, p *Pipeline) error
}

// Transformer turns an added or modified node into outputs.
type Transformer interface {
	Transform(ctx context.Context, n *asset.Node, p *Pipeline, opts asset.Settings) error
}

// Deleter is called for deleted nodes before their outputs are removed.
type Deleter interface {
	Delete(ctx context.Context, n *asset.Node, p *Pipeline, opts asset.Settings) error
}

// PostProcessor runs over each output record of a transformed node. It may
// modify rec in place.
type PostProcessor interface {
	Post(ctx context.Context, rec *asset.OutputRecord, n *asset.Node, p *Pipeline, opts asset.Settings) error
}

// Finisher is notified once after every node has been processed.
type Finisher interface {
	Finish(ctx context.Context, tree *asset.Tree, p *Pipeline) error
}
