// Command token mints a caller token for local development.
//
//	JWT_SECRET=dev-secret go run ./cmd/token -uid hana -role hr
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/leave"
)

func main() {
	uid := flag.String("uid", "", "caller ID")
	role := flag.String("role", string(leave.RoleEmployee), "employee, hr or admin")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret (default $JWT_SECRET)")
	flag.Parse()

	if *uid == "" || *secret == "" {
		fmt.Fprintln(os.Stderr, "usage: token -uid ID [-role employee|hr|admin] [-ttl 12h] [-secret S]")
		os.Exit(2)
	}
	if _, err := leave.ParseRole(*role); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	tok, err := api.GenerateToken(*secret, api.Claims{UserID: *uid, Role: *role}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
