// Command tokengen mints a staff bearer token for exercising the API during
// development. It signs with the same JWT secret the server loads from its
// configuration.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/iretipos/server/internal/shared/config"
	"github.com/iretipos/server/internal/shared/middleware"
)

func main() {
	userID := flag.String("user", "dev", "staff member id (token subject)")
	role := flag.String("role", string(middleware.RoleManager), "staff role: cashier or manager")
	expiry := flag.Duration("expiry", 0, "token lifetime; defaults to the configured access token expiry")
	flag.Parse()

	r := middleware.Role(*role)
	if r != middleware.RoleCashier && r != middleware.RoleManager {
		log.Fatalf("unknown role %q", *role)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lifetime := *expiry
	if lifetime <= 0 {
		lifetime = cfg.Auth.AccessTokenExpiry
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}

	token, err := middleware.GenerateToken(cfg.Auth.JWTSecret, *userID, r, lifetime)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
