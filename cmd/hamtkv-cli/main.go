package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/0xRadioAc7iv/go-hamtkv/client"
	"github.com/0xRadioAc7iv/go-hamtkv/internal"
	"github.com/0xRadioAc7iv/go-hamtkv/internal/utils"
)

func main() {
	host := flag.String("host", internal.DEFAULT_HOST, "hamtkv server host")
	port := flag.Int("port", internal.DEFAULT_PORT, "hamtkv server port")
	command := flag.String("c", "", "Run a single command and exit")
	flag.Parse()

	c, err := client.Connect(client.WithHost(*host), client.WithPort(*port))
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	if *command != "" {
		if err := run(c, *command, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	fmt.Printf("Connected to %v:%d\n", *host, *port)
	fmt.Println("Type commands. 'help' for information or 'exit' to quit.")

	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Print("> ")

		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				fmt.Println("input error:", err)
			}
			return
		}

		line = strings.TrimSpace(line)

		if line == "" {
			continue
		}

		if line == "exit" {
			return
		}

		if err := run(c, line, os.Stdout); err != nil {
			log.Fatal(err)
		}
	}
}

// run sends one shell-quoted command line and prints the reply. Only
// connection failures are returned.
func run(c *client.Client, line string, out io.Writer) error {
	cmd, key, value, err := utils.SplitStringIntoCommandAndArguments(line)
	if err != nil {
		fmt.Fprintln(out, "parse error:", err)
		return nil
	}
	if cmd == "" {
		return nil
	}

	resp, err := c.Execute(cmd, key, value)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, resp)
	return nil
}
