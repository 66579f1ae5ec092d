/*
	Churn load generator: overwrites and deletes a fixed key universe so
	segments fill with garbage, then asks the server to collect it.
*/

package main

import (
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/0xRadioAc7iv/go-hamtkv/client"
	"github.com/0xRadioAc7iv/go-hamtkv/internal"
)

const (
	// Fixed universe
	totalKeys   = 100
	totalValues = 100

	// Per-cycle behavior
	keysPerCycleWrite  = 20
	keysPerCycleDelete = 10

	progressEvery = 500

	gcBudget = 4 * 1024 * 1024
)

func main() {
	port := flag.Int("port", internal.DEFAULT_PORT, "hamtkv server port")
	concurrency := flag.Int("workers", 6, "number of concurrent clients")
	cycles := flag.Int("cycles", 5000, "cycles per worker")
	sleep := flag.Duration("sleep", 10*time.Millisecond, "pause between cycles")
	flag.Parse()

	start := time.Now()
	fmt.Println("Starting hamtkv churn-heavy load generator")

	keys := makeKeys(totalKeys)
	values := makeValues(totalValues)

	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runWorker(id, *port, *cycles, *sleep, keys, values)
		}(i)
	}

	wg.Wait()
	fmt.Printf("Load finished in %v\n", time.Since(start))

	collect(*port)
}

func runWorker(id, port, cycles int, sleep time.Duration, keys []string, values []string) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	c, err := client.Connect(client.WithPort(port))
	if err != nil {
		fmt.Printf("[worker %d] connect error: %v\n", id, err)
		return
	}
	defer c.Close()

	for cycle := 1; cycle <= cycles; cycle++ {

		// ---- WRITE / OVERWRITE PHASE ----
		for i := 0; i < keysPerCycleWrite; i++ {
			key := keys[rng.Intn(len(keys))]
			val := values[rng.Intn(len(values))]

			if err := c.Set(key, val); err != nil {
				fmt.Printf("[worker %d] SET error: %v\n", id, err)
				return
			}
		}

		// ---- DELETE PHASE ----
		for i := 0; i < keysPerCycleDelete; i++ {
			key := keys[rng.Intn(len(keys))]

			if err := c.Delete(key); err != nil {
				fmt.Printf("[worker %d] DELETE error: %v\n", id, err)
				return
			}
		}

		// ---- REWRITE PHASE (forces overwrite garbage) ----
		for i := 0; i < keysPerCycleWrite/2; i++ {
			key := keys[rng.Intn(len(keys))]
			val := values[rng.Intn(len(values))]

			if err := c.Set(key, val); err != nil {
				fmt.Printf("[worker %d] REWRITE error: %v\n", id, err)
				return
			}
		}

		if cycle%progressEvery == 0 {
			fmt.Printf("[worker %d] completed %d cycles\n", id, cycle)
		}

		if sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

// collect runs GC rounds until the disk/used ratio stops improving.
func collect(port int) {
	c, err := client.Connect(client.WithPort(port))
	if err != nil {
		fmt.Printf("[gc] connect error: %v\n", err)
		return
	}
	defer c.Close()

	before, err := c.Ratio()
	if err != nil {
		fmt.Printf("[gc] ratio error: %v\n", err)
		return
	}
	fmt.Printf("[gc] ratio before: %.3f\n", before)

	for round := 1; round <= 16; round++ {
		written, err := c.GC(gcBudget)
		if err != nil {
			fmt.Printf("[gc] round %d error: %v\n", round, err)
			return
		}
		ratio, err := c.Ratio()
		if err != nil {
			fmt.Printf("[gc] ratio error: %v\n", err)
			return
		}
		fmt.Printf("[gc] round %d rewrote %d bytes, ratio %.3f\n", round, written, ratio)
		if ratio >= before {
			return
		}
		before = ratio
	}
}

func makeKeys(n int) []string {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("key-%03d", i)
	}
	return keys
}

func makeValues(n int) []string {
	values := make([]string, n)
	for i := 0; i < n; i++ {
		values[i] = fmt.Sprintf("value-%03d-xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", i)
	}
	return values
}
