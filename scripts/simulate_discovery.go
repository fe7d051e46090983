package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/umbrix/backend/pkg/sdk"
)

// Walks the happy path against a running stack: connect an API-key
// platform, trigger a run, list what was found and file one feedback.
func main() {
	client := sdk.NewClient(sdk.Config{
		BaseURL: envOr("UMBRIX_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("UMBRIX_API_KEY"),
	})
	ctx := context.Background()

	fmt.Println("🔌 Connecting Claude workspace...")
	res, err := client.Connect(ctx, sdk.ConnectRequest{
		Platform:    "claude",
		DisplayName: "Simulated Claude Org",
		APIKey:      envOr("CLAUDE_ADMIN_KEY", "sk-ant-admin-simulated"),
	})
	if err != nil {
		log.Fatalf("❌ connect failed: %v", err)
	}
	conn := res.Connection
	fmt.Printf("✅ Connection %s is %s\n", conn.ID, conn.Status)

	fmt.Println("🔍 Triggering discovery run...")
	run, err := client.Discover(ctx, conn.ID)
	if err != nil {
		log.Fatalf("❌ discover failed: %v", err)
	}
	fmt.Printf("⏳ Job %s queued, waiting for results...\n", run.JobID)

	events, err := client.StreamEvents(ctx, "discovery:progress")
	if err != nil {
		fmt.Printf("⚠️  stream unavailable (%v), polling instead\n", err)
		time.Sleep(10 * time.Second)
	} else {
		deadline := time.After(2 * time.Minute)
	wait:
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					break wait
				}
				fmt.Printf("📬 progress %v%% (%v)\n", evt.Data["progress"], evt.Data["status"])
				if evt.Data["status"] == "completed" || evt.Data["status"] == "failed" {
					break wait
				}
			case <-deadline:
				fmt.Println("⚠️  no completion event after 2m, listing anyway")
				break wait
			}
		}
	}

	page, err := client.ListAutomations(ctx, sdk.ListAutomationsOptions{ConnectionID: conn.ID})
	if err != nil {
		log.Fatalf("❌ list failed: %v", err)
	}
	fmt.Printf("🤖 %d automation(s) discovered:\n", page.Total)
	for _, item := range page.Automations {
		risk := "unscored"
		if item.RiskAssessment != nil {
			risk = item.RiskAssessment.OverallRisk
		}
		fmt.Printf("   - %-40s type=%-12s risk=%s\n", item.Automation.Name, item.Automation.Type, risk)
	}

	if len(page.Automations) > 0 {
		first := page.Automations[0].Automation
		fmt.Printf("📝 Confirming detection of %q...\n", first.Name)
		fb, err := client.SubmitFeedback(ctx, sdk.FeedbackRequest{
			AutomationID: first.ID,
			Type:         "correct_detection",
			UserID:       "simulate-discovery",
			Comment:      "confirmed during simulation",
		})
		if err != nil {
			log.Fatalf("❌ feedback failed: %v", err)
		}
		fmt.Printf("✅ Feedback %s recorded (%s)\n", fb.ID, fb.Status)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
