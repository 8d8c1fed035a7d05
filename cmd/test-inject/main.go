// Command test-inject is a manual test for local keyboard rehearsal.
// It waits 3 seconds, then types test text through the loopback peer,
// exactly as a text run would through the device.
// Focus a text editor before the countdown finishes.
//
// Usage:
//
//	go run ./cmd/test-inject [--method type|paste]
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/byteflusher/internal/ble"
	"github.com/chaz8081/byteflusher/internal/inject"
	"github.com/chaz8081/byteflusher/internal/textflush"
)

func main() {
	method := flag.String("method", "type", "inject method: type or paste")
	flag.Parse()

	text := "Hello from byteflusher!"

	fmt.Printf("Will inject %q using %q method in 3 seconds...\n", text, *method)
	fmt.Println("Focus a text editor now!")

	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	ctx := context.Background()
	loop := inject.NewLoopback(inject.NewKeyboard(*method))
	peer, err := ble.Connect(ctx, loop, inject.LoopbackAddress, ble.DefaultPeerOptions())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer peer.Close()

	f := textflush.New(peer, textflush.DefaultOptions(), nil)
	if err := f.Flush(ctx, text); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("\nDone! %d bytes delivered.\n", loop.Delivered())
}
