// Command loadtest drives the comment engine with concurrent writers and
// readers, optionally consuming the moderation stream, and prints a
// latency and outcome report.
//
// Usage:
//
//	loadtest -url http://localhost:8080 -writers 20 -readers 5 -duration 30s
//	loadtest -url http://localhost:8080 -stream ws://localhost:8081/v1/stream
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/threadline/comment-engine/loadtest/client"
	"github.com/threadline/comment-engine/loadtest/stats"
)

// Submission bodies mix clean and spammy content so the decision bands
// all get exercised.
var contents = []string{
	"This analysis really helped me understand the tradeoffs involved.",
	"Has anyone benchmarked this against the previous release?",
	"Great writeup, though I think the second example has a subtle bug.",
	"I disagree with the conclusion but the data presented is solid.",
	"buy now!!! click here http://bit.ly/offer",
	"Make money fast with this one weird trick, act now winner",
	"The migration path described here worked for our team as well.",
}

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:8080", "comment engine base URL")
		streamURL = flag.String("stream", "", "modstream WS URL (optional)")
		writers   = flag.Int("writers", 10, "concurrent submission workers")
		readers   = flag.Int("readers", 3, "concurrent list workers")
		articles  = flag.Int("articles", 5, "distinct articles to spread writes over")
		duration  = flag.Duration("duration", 30*time.Second, "test duration")
		scrape    = flag.Bool("scrape", true, "scrape server /metrics during the run")
	)
	flag.Parse()

	collector := stats.NewCollector()
	if *scrape {
		scraper := stats.NewScraper(*baseURL+"/metrics", 5*time.Second)
		scraper.Start(context.Background())
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	api := client.NewAPI(*baseURL)
	var wg sync.WaitGroup

	// Stream subscriber counts fan-out events while the writers run.
	if *streamURL != "" {
		sub, err := client.DialStream(ctx, *streamURL)
		if err != nil {
			log.Fatalf("stream: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			go func() {
				<-ctx.Done()
				sub.Close()
			}()
			for {
				if _, err := sub.Next(); err != nil {
					return
				}
				collector.AddEvent()
			}
		}()
	}

	log.Printf("loadtest: %d writers, %d readers, %d articles, %s against %s",
		*writers, *readers, *articles, *duration, *baseURL)

	for w := 0; w < *writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(id)))
			author := client.Author{
				UserID:          fmt.Sprintf("load-user-%d", id),
				DisplayName:     fmt.Sprintf("loaduser%d", id),
				ReputationScore: rng.Intn(150),
			}

			for ctx.Err() == nil {
				articleID := fmt.Sprintf("load-article-%d", rng.Intn(*articles))
				content := contents[rng.Intn(len(contents))]

				res, err := api.Submit(ctx, articleID, author, "", content)
				if err != nil {
					if ctx.Err() == nil {
						collector.AddError()
					}
				} else {
					collector.AddSubmit(res.Latency, res.Status)
				}

				// Writers pace themselves so the rate limiter throttles
				// some but not all of the fleet.
				select {
				case <-ctx.Done():
				case <-time.After(time.Duration(500+rng.Intn(1500)) * time.Millisecond):
				}
			}
		}(w)
	}

	for r := 0; r < *readers; r++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(1000 + id)))

			for ctx.Err() == nil {
				articleID := fmt.Sprintf("load-article-%d", rng.Intn(*articles))
				latency, err := api.List(ctx, articleID, 1+rng.Intn(3))
				if err != nil {
					if ctx.Err() == nil {
						collector.AddError()
					}
				} else {
					collector.AddList(latency)
				}

				select {
				case <-ctx.Done():
				case <-time.After(time.Duration(200+rng.Intn(300)) * time.Millisecond):
				}
			}
		}(r)
	}

	wg.Wait()
	collector.Report()
}
