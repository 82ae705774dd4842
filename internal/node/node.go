// Package node names the surface shared by every long-running process.
package node

import (
	"context"

	"github.com/gin-gonic/gin"
)

// Node is a process that serves an HTTP router until its context ends.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
	Serve(ctx context.Context) error
}
