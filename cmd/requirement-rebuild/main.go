package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/workflow"
)

// requirement-rebuild recomputes the material requirement rows of one
// business from the demand pool and the supply ledger. Safe to run at any
// time: a reconciliation pass is a full recompute and converges on the
// same result however often it runs.
func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	itemCodesCSV := flag.String("item-codes", "", "Optional: comma-separated item codes to limit the upserts")
	dryRun := flag.Bool("dry-run", false, "Compute and print without writing")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	var itemCodes []string
	for _, c := range strings.Split(*itemCodesCSV, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			itemCodes = append(itemCodes, c)
		}
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()

	tx := db.Begin()
	if tx.Error != nil {
		fmt.Fprintf(os.Stderr, "begin failed: %v\n", tx.Error)
		os.Exit(1)
	}

	// GET_LOCK is connection-scoped: hold and release it on the
	// transaction connection.
	if err := workflow.AcquireBusinessPostingLock(tx, *businessID); err != nil {
		tx.Rollback()
		fmt.Fprintf(os.Stderr, "could not acquire posting lock: %v\n", err)
		os.Exit(1)
	}

	items, configErrors, err := workflow.RunReconciliation(tx, logger, *businessID, itemCodes...)
	workflow.ReleaseBusinessPostingLock(tx, *businessID)
	if err != nil {
		tx.Rollback()
		fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
		os.Exit(1)
	}

	if *dryRun {
		tx.Rollback()
		fmt.Println("dry run; no rows written")
	} else if err := tx.Commit().Error; err != nil {
		fmt.Fprintf(os.Stderr, "commit failed: %v\n", err)
		os.Exit(1)
	}

	for _, item := range items {
		fmt.Printf("%-20s required=%s transferred=%s pending=%s %s%% [%s]\n",
			item.ItemCode,
			item.TotalRequiredQty.String(),
			item.TransferredQty.String(),
			item.PendingQty.String(),
			item.Percentage.String(),
			item.CurrentStatus)
	}
	for outputItem, cfgErr := range configErrors {
		fmt.Fprintf(os.Stderr, "skipped output item %s: %v\n", outputItem, cfgErr)
	}
	fmt.Printf("reconciled %d item(s) for business %s\n", len(items), *businessID)
}
