// Package main mints staff JWTs for the ticket scanning endpoints.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/boxoffice/internal/auth"
)

func main() {
	staffID := flag.String("staff", "", "staff member id (required)")
	role := flag.String("role", auth.RoleGate, "staff role: gate or admin")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	token, err := mint(os.Getenv("JWT_SECRET"), *staffID, *role, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "stafftoken:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func mint(secret, staffID, role string, ttl time.Duration) (string, error) {
	switch {
	case secret == "":
		return "", fmt.Errorf("JWT_SECRET is not set")
	case staffID == "":
		return "", fmt.Errorf("-staff is required")
	case role != auth.RoleGate && role != auth.RoleAdmin:
		return "", fmt.Errorf("unknown role %q", role)
	}
	return auth.NewJWTService(secret, "").GenerateStaffToken(staffID, role, ttl)
}
