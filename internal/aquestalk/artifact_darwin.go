package aquestalk

// ArtifactName is the engine library file expected in every voice directory.
const ArtifactName = "libAquesTalk.dylib"
