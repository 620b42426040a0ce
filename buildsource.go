// Package kerasremote holds the handful of concerns that need to see
// the whole module tree at once — something no subpackage can do,
// since go:embed patterns never climb above or sideways out of the
// declaring file's directory.
//
// RunnerBuildSource is that embed: the remote-runner's own source plus
// every local package it (transitively) imports, plus go.mod, so Cloud
// Build's isolated build context has everything "go build" needs to
// resolve "github.com/keras-team/keras-remote-go/..." imports without
// reaching back into this checkout. Embedding pkg/ and internal/ in
// full, rather than naming only the packages the runner imports today,
// means a runner import added later doesn't silently reopen this gap.
// imagebuild.Builder folds it into both the build tarball and the
// cache-key hash, so a runner code change always invalidates cached
// images.
package kerasremote

import "embed"

//go:embed cmd/remote-runner/*.go go.mod pkg internal
var RunnerBuildSource embed.FS
