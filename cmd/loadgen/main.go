// Command loadgen drives a running exchange process over its real
// websocket transport: many concurrent simulated traders submitting
// random limit orders, for throughput and soak testing.
//
// The worker-pool/atomic-counter/time-bounded-run shape is adapted
// from the in-process matching benchmark used elsewhere in the pack;
// here the workers are real websocket clients against the order
// endpoint instead of direct calls into an in-process engine, since
// this binary's job is to exercise the wire protocol, not the book.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "order endpoint address")
	duration := flag.Duration("duration", 5*time.Second, "test duration")
	workers := flag.Int("workers", 0, "number of concurrent simulated traders (0 = NumCPU-2)")
	minPrice := flag.Int64("min-price", 95, "minimum order price, in wire price units")
	maxPrice := flag.Int64("max-price", 105, "maximum order price, in wire price units")
	maxQty := flag.Int64("max-qty", 10, "maximum order quantity")
	flag.Parse()

	numWorkers := *workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU() - 2
		if numWorkers < 1 {
			numWorkers = 1
		}
	}

	u := url.URL{Scheme: "ws", Host: *addr}

	var ordersSent, repliesReceived, errorCount atomic.Int64

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(workerID, u, stop, *minPrice, *maxPrice, *maxQty, &ordersSent, &repliesReceived, &errorCount)
		}(w)
	}

	fmt.Printf("load generator: %d workers against %s for %v\n", numWorkers, *addr, *duration)
	start := time.Now()
	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("orders sent: %d, replies received: %d, errors: %d, rate: %.0f orders/sec\n",
		ordersSent.Load(), repliesReceived.Load(), errorCount.Load(), float64(ordersSent.Load())/elapsed.Seconds())
}

func runWorker(id int, u url.URL, stop <-chan struct{}, minPrice, maxPrice, maxQty int64, ordersSent, repliesReceived, errorCount *atomic.Int64) {
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		errorCount.Add(1)
		return
	}
	defer conn.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			repliesReceived.Add(1)
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		default:
		}

		side := "buy"
		if rng.Intn(2) == 1 {
			side = "sell"
		}
		price := minPrice + rng.Int63n(maxPrice-minPrice+1)
		qty := 1 + rng.Int63n(maxQty)

		req := fmt.Sprintf(`{"side":%q,"price":%d,"quantity":%d}`, side, price, qty)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
			errorCount.Add(1)
			return
		}
		ordersSent.Add(1)
	}
}
