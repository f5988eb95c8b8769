package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"iattend/internal/api"
	"iattend/internal/app"
	"iattend/pkg/types"
)

type seedOptions struct {
	course   string
	teacher  string
	students int
}

// FUNCTIONAL DISCOVERY: Users, courses and enrollments come from an external
// directory in production; seed fills the same tables for local runs and demos
func newSeedCmd(opts *rootOptions) *cobra.Command {
	seed := &seedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a demo teacher, course and enrolled students",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if seed.students < 0 {
				return errors.New("--students must not be negative")
			}
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			store, err := app.OpenStore(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := app.Migrate(ctx, store, cfg.Database.Driver, logger); err != nil {
				return err
			}

			users := []*types.User{{ID: seed.teacher, Role: types.RoleTeacher, DisplayName: "Demo Teacher"}}
			var studentIDs []string
			for i := 1; i <= seed.students; i++ {
				id := fmt.Sprintf("%s_student_%d", seed.course, i)
				users = append(users, &types.User{ID: id, Role: types.RoleStudent, DisplayName: fmt.Sprintf("Student %d", i)})
				studentIDs = append(studentIDs, id)
			}
			for _, u := range users {
				if !types.IsValidUserID(u.ID) {
					return fmt.Errorf("%s: %w", u.ID, types.ErrInvalidUserID)
				}
				if err := store.SaveUser(ctx, u); err != nil {
					return err
				}
			}

			course := &types.Course{ID: seed.course, Name: seed.course, OwnerID: seed.teacher}
			if err := store.SaveCourse(ctx, course); err != nil {
				return err
			}
			if err := store.Enroll(ctx, course.ID, studentIDs...); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "course %s owned by %s with %d student(s)\n", course.ID, seed.teacher, len(studentIDs))

			auth := api.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer)
			if auth.TrustsHeaders() {
				fmt.Fprintln(out, "no auth secret set; send X-User-ID and X-User-Role headers")
				return nil
			}
			fmt.Fprintf(out, "tokens (valid %s):\n", cfg.Auth.TokenTTL)
			return printTokens(out, users, func(u *types.User) (string, error) {
				return auth.IssueToken(u.ID, u.Role, cfg.Auth.TokenTTL)
			})
		},
	}

	cmd.Flags().StringVar(&seed.course, "course", "demo_course", "course id")
	cmd.Flags().StringVar(&seed.teacher, "teacher", "demo_teacher", "teacher user id")
	cmd.Flags().IntVar(&seed.students, "students", 5, "number of students to enroll")
	return cmd
}

func printTokens(out io.Writer, users []*types.User, issue func(*types.User) (string, error)) error {
	for _, u := range users {
		token, err := issue(u)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-24s %-8s %s\n", u.ID, u.Role, token)
	}
	return nil
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "token <user-id> <student|teacher|admin>",
		Short:     "Issue a signed caller token",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(types.RoleStudent), string(types.RoleTeacher), string(types.RoleAdmin)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.setup()
			if err != nil {
				return err
			}
			auth := api.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer)
			token, err := auth.IssueToken(args[0], types.Role(args[1]), cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
