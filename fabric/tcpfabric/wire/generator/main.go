package main

import (
	"github.com/outofforest/lnd/fabric/tcpfabric/wire"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[wire.Hello](),
		proton.Message[wire.Message](),
		proton.Message[wire.Put](),
		proton.Message[wire.Get](),
		proton.Message[wire.Reply](),
	)
}
