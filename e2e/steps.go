package e2e

import (
	"github.com/cucumber/godog"

	"consentflow/e2e/steps/permission"
)

// RegisterSteps registers the step definitions of every scenario package.
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^I am an authenticated eligible party$`, tc.useServiceToken)
	ctx.Step(`^I am not authenticated$`, tc.dropToken)
	ctx.Step(`^the response status should be (\d+)$`, tc.responseStatusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, tc.responseFieldShouldBe)

	permission.RegisterSteps(ctx, tc)
}
