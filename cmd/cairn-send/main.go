// cairn-send reads JSON records from files or stdin and appends them
// to a cairn exposer. Each input line (or array element) is an object:
//
//	{"partition": "tenant-42", "payload": {"requests": 3, "bytes": 512}}
//
// With -read it instead fetches and prints the merged view for a
// partition from the retriever.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cairn-db/cairn/pkg/client"
)

type inputRecord struct {
	Partition string          `json:"partition"`
	Payload   json.RawMessage `json:"payload"`
}

func main() {
	var (
		exposer   = flag.String("exposer", "http://localhost:8080", "exposer base URL")
		retriever = flag.String("retriever", "http://localhost:8081", "retriever base URL")
		apiKey    = flag.String("api-key", os.Getenv("CAIRN_API_KEY"), "API key (or CAIRN_API_KEY)")
		read      = flag.String("read", "", "fetch the merged view for this partition and exit")
		batchSize = flag.Int("batch-size", 100, "records per request")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c := client.New(ctx, client.Config{
		ExposerURL:   *exposer,
		RetrieverURL: *retriever,
		APIKey:       *apiKey,
		MaxBatchSize: *batchSize,
		FlushEvery:   time.Second,
	})
	defer c.Close()

	if *read != "" {
		view, err := c.Read(ctx, *read)
		if err != nil {
			log.Fatalf("read %s: %v", *read, err)
		}
		out, _ := json.MarshalIndent(view, "", "  ")
		fmt.Println(string(out))
		return
	}

	total := 0
	if flag.NArg() == 0 {
		n, err := sendFrom(c, os.Stdin)
		if err != nil {
			log.Fatalf("stdin: %v", err)
		}
		total += n
	}
	for _, name := range flag.Args() {
		f, err := os.Open(name)
		if err != nil {
			log.Fatalf("open %s: %v", name, err)
		}
		n, err := sendFrom(c, f)
		f.Close()
		if err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		total += n
	}

	if err := c.Flush(ctx); err != nil {
		log.Fatalf("flush: %v", err)
	}
	fmt.Printf("sent %d records\n", total)
}

// sendFrom accepts either one JSON array or newline-delimited objects.
func sendFrom(c *client.Client, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, nil
	}

	var records []inputRecord
	if data[0] == '[' {
		if err := json.Unmarshal(data, &records); err != nil {
			return 0, fmt.Errorf("parse array: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		for {
			var rec inputRecord
			if err := dec.Decode(&rec); err == io.EOF {
				break
			} else if err != nil {
				return 0, fmt.Errorf("parse record %d: %w", len(records)+1, err)
			}
			records = append(records, rec)
		}
	}

	for _, rec := range records {
		if rec.Partition == "" {
			return 0, fmt.Errorf("record missing partition")
		}
		c.Append(rec.Partition, rec.Payload)
	}
	return len(records), nil
}
