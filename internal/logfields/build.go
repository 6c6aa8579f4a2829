package logfields

import "go.uber.org/zap"

func BuildID(val int) zap.Field {
	return zap.Int("build.id", val)
}

func BuildNumber(val string) zap.Field {
	return zap.String("build.number", val)
}

func BuildDefinition(val int) zap.Field {
	return zap.Int("build.definition", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}

func Tag(val string) zap.Field {
	return zap.String("git.tag", val)
}

func PullRequest(val int) zap.Field {
	return zap.Int("git.pull_request", val)
}
