package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/crnwallet/guard/internal/config"
	"github.com/crnwallet/guard/internal/database"
	"github.com/crnwallet/guard/internal/models"
	"github.com/crnwallet/guard/internal/reputation"
	"github.com/crnwallet/guard/internal/services"
)

func main() {
	if len(os.Args) < 3 {
		log.Fatalf("Usage: %s <username> <password> [name] [role]", os.Args[0])
	}
	username, password := os.Args[1], os.Args[2]
	name, role := username, ""
	if len(os.Args) > 3 {
		name = os.Args[3]
	}
	if len(os.Args) > 4 {
		role = os.Args[4]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Connect migrates every model
	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	fmt.Println("✓ Database migrated successfully")

	auth := services.NewAuthService(db, reputation.New(reputation.Options{}), nil)
	staff, err := auth.CreateStaff(username, password, name, role)
	if errors.Is(err, services.ErrStaffExists) {
		fmt.Printf("⊙ Staff account %s already exists\n", username)
		return
	}
	if err != nil {
		log.Fatal("Failed to create staff account:", err)
	}
	fmt.Printf("✓ Created staff account %s (role: %s)\n", staff.Username, staff.Role)

	var total int64
	db.Model(&models.Staff{}).Count(&total)
	fmt.Printf("\n✓ %d staff account(s) in %s\n", total, cfg.DatabasePath)
}
