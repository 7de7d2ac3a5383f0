package domain

// Language represents a supported programming language.
type Language string

const (
	LangCpp    Language = "cpp"
	LangPython Language = "python"
	LangJava   Language = "java"
)

// IsValid checks if the language is supported.
func (l Language) IsValid() bool {
	return l == LangCpp || l == LangPython || l == LangJava
}

// LanguageKind describes how a language gets from source to a runnable program.
type LanguageKind string

const (
	KindCompiledNative   LanguageKind = "compiled-native"
	KindInterpreted      LanguageKind = "interpreted"
	KindCompiledBytecode LanguageKind = "compiled-bytecode"
)

// NeedsBuild reports whether the language has a build step.
func (k LanguageKind) NeedsBuild() bool {
	return k == KindCompiledNative || k == KindCompiledBytecode
}

// TestCase is one (input, expected output) pair supplied by the caller.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsSample       bool   `json:"isSample"`
}

// JudgeRequest is the submission payload accepted by every transport.
type JudgeRequest struct {
	SubmissionID  string     `json:"submissionId,omitempty"`
	Code          string     `json:"code"`
	Language      Language   `json:"language"`
	TestCases     []TestCase `json:"testCases"`
	TimeLimitMs   int        `json:"timeLimitMs"`
	MemoryLimitMb int        `json:"memoryLimitMb"`
}

// Submission is a validated judging request. It is never mutated once built.
type Submission struct {
	ID            string
	Language      Language
	SourceCode    string
	TestCases     []TestCase
	TimeLimitMs   int
	MemoryLimitMb int
}

// LanguageInfo describes a supported language.
type LanguageInfo struct {
	Name     Language     `json:"name"`
	Kind     LanguageKind `json:"kind"`
	Version  string       `json:"version"`
	Compiler string       `json:"compiler,omitempty"`
}
