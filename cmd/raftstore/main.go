package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("raftstore", "a replicated hierarchical datastore", NewService())
}
