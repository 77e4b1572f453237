package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/profiles"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/session"
	"github.com/spf13/cobra"
)

// oneShot opens a console runtime, runs action and prints the resulting auth state.
func oneShot(action func(ctx context.Context, rt *runtime, out io.Writer) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rt, err := openRuntime(ctx, true)
		if err != nil {
			return err
		}
		defer rt.close()

		if err := action(ctx, rt, cmd.OutOrStdout()); err != nil {
			return err
		}
		for _, route := range rt.pendingRoutes() {
			fmt.Fprintf(cmd.OutOrStdout(), "next: %s\n", route)
		}
		return printJSON(cmd.OutOrStdout(), rt.manager.State().Snapshot())
	}
}

func printJSON(out io.Writer, value interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newSignUpCommand() *cobra.Command {
	var email, password, firstName, lastName string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and its profile",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(ctx context.Context, rt *runtime, out io.Writer) error {
			result, err := rt.manager.SignUp(ctx, session.SignUpInput{
				Email:     email,
				Password:  password,
				FirstName: firstName,
				LastName:  lastName,
			})
			if err != nil {
				return err
			}
			if result.BareRetry || result.Repaired {
				fmt.Fprintf(out, "provisioning repaired (bare retry: %t, profile inserted: %t)\n", result.BareRetry, result.Repaired)
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	cmd.Flags().StringVar(&firstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "Last name")
	return cmd
}

func newSignInCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(ctx context.Context, rt *runtime, _ io.Writer) error {
			if err := rt.manager.SignIn(ctx, email, password); err != nil {
				return err
			}
			user, ok := rt.manager.State().User()
			if !ok {
				return nil
			}
			return rt.manager.FetchProfile(ctx, user.ID)
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	return cmd
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(ctx context.Context, rt *runtime, _ io.Writer) error {
			return rt.manager.SignOut(ctx)
		}),
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the current auth state",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(context.Context, *runtime, io.Writer) error {
			return nil
		}),
	}
}

func newResetPasswordCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Send a password recovery link",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(ctx context.Context, rt *runtime, _ io.Writer) error {
			return rt.manager.ResetPassword(ctx, email)
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	return cmd
}

func newUpdatePasswordCommand() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "update-password",
		Short: "Change the password of the signed-in user",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(ctx context.Context, rt *runtime, _ io.Writer) error {
			return rt.manager.UpdatePassword(ctx, password)
		}),
	}
	cmd.Flags().StringVar(&password, "password", "", "New password")
	return cmd
}

func newUpdateEmailCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "update-email",
		Short: "Request an email address change",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(ctx context.Context, rt *runtime, _ io.Writer) error {
			return rt.manager.UpdateEmail(ctx, email)
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "New email address")
	return cmd
}

func newUpdateProfileCommand() *cobra.Command {
	var (
		firstName, lastName, university, studentID, major string
		seller                                            bool
		graduationYear                                    int
	)
	cmd := &cobra.Command{
		Use:   "update-profile",
		Short: "Change profile fields of the signed-in user",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&firstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "Last name")
	cmd.Flags().BoolVar(&seller, "seller", false, "Whether the user sells on the marketplace")
	cmd.Flags().StringVar(&university, "university", "", "University")
	cmd.Flags().StringVar(&studentID, "student-id", "", "Student id")
	cmd.Flags().StringVar(&major, "major", "", "Major")
	cmd.Flags().IntVar(&graduationYear, "graduation-year", 0, "Graduation year")
	cmd.RunE = oneShot(func(ctx context.Context, rt *runtime, _ io.Writer) error {
		flags := cmd.Flags()
		update := profiles.Update{}
		if flags.Changed("first-name") {
			update.FirstName = &firstName
		}
		if flags.Changed("last-name") {
			update.LastName = &lastName
		}
		if flags.Changed("seller") {
			update.IsSeller = &seller
		}
		if flags.Changed("university") {
			update.University = &university
		}
		if flags.Changed("student-id") {
			update.StudentID = &studentID
		}
		if flags.Changed("major") {
			update.Major = &major
		}
		if flags.Changed("graduation-year") {
			update.GraduationYear = &graduationYear
		}
		if update.Empty() {
			return fmt.Errorf("no profile fields given")
		}
		_, err := rt.manager.UpdateProfile(ctx, update)
		return err
	})
	return cmd
}

func newResendCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Re-send the sign-up verification link",
		Args:  cobra.NoArgs,
		RunE: oneShot(func(ctx context.Context, rt *runtime, _ io.Writer) error {
			return rt.manager.ResendVerification(ctx, email)
		}),
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	return cmd
}

func newOpenLinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open-link <url>",
		Short: "Deliver an activation link as if the app had been opened with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(func(ctx context.Context, rt *runtime, out io.Writer) error {
				outcome := rt.router.Handle(ctx, args[0])
				fmt.Fprintf(out, "link: %s\n", outcome)
				return nil
			})(cmd, args)
		},
	}
}

func newOutboxCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List activation links issued by the local identity provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := openRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()
			links, err := rt.provider.Outbox(ctx, email)
			if err != nil {
				return err
			}
			for _, link := range links {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", link.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), link.Type, link.Email, link.URL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Only links sent to this address")
	return cmd
}
