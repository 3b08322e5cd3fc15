package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"OpenOps-Agent/sdk/go/opsagent"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "opsagentd base url")
	async := flag.Bool("async", false, "queue the command instead of waiting for the answer")
	flag.Parse()
	if flag.NArg() == 0 {
		log.Fatal("usage: examples [-addr url] [-async] <command>")
	}

	client, err := opsagent.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(os.Getenv("OPENOPS_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	command := flag.Arg(0)
	if *async {
		job, err := client.Submit(ctx, opsagent.RunRequest{Command: command})
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("queued job %s (status=%s)\n", job.ID, job.Status)
		return
	}

	res, err := client.Run(ctx, opsagent.RunRequest{Command: command})
	if res != nil {
		fmt.Println(res.Output)
		fmt.Printf("task %s finished with %s after %d step(s)\n", res.TaskID, res.Status, res.Iterations)
	}
	if err != nil {
		os.Exit(1)
	}
}
