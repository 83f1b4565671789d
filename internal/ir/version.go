package ir

// Version is the qidtrack release version.
const Version = "0.1.0"
